package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// QuestionType enumerates supported custom question kinds.
type QuestionType string

const (
	QuestionTypeText           QuestionType = "TEXT"
	QuestionTypeSingleChoice   QuestionType = "SINGLE_CHOICE"
	QuestionTypeMultipleChoice QuestionType = "MULTIPLE_CHOICE"
)

// CustomQuestion is one admin-authored question on a category's form.
type CustomQuestion struct {
	ID       string       `json:"id"`
	Text     string       `json:"text"`
	Type     QuestionType `json:"type"`
	Required bool         `json:"required"`
	Options  []string     `json:"options,omitempty"`
}

// ConditionalField shows a field only when its trigger field holds one of the
// listed values.
type ConditionalField struct {
	DependsOn string   `json:"depends_on"`
	ShowWhen  []string `json:"show_when"`
}

// ProofConfig captures certificate requirements for submissions.
type ProofConfig struct {
	CertificateRequired bool  `json:"certificate_required"`
	AllowPDF            bool  `json:"allow_pdf"`
	MaxFileSizeBytes    int64 `json:"max_file_size_bytes,omitempty"`
	MaxFiles            int   `json:"max_files,omitempty"`
}

// FormFields is the structured form definition persisted as JSONB.
type FormFields struct {
	RequiredFields    []string                    `json:"required_fields"`
	OptionalFields    []string                    `json:"optional_fields,omitempty"`
	ConditionalFields map[string]ConditionalField `json:"conditional_fields,omitempty"`
	CustomQuestions   []CustomQuestion            `json:"custom_questions,omitempty"`
	Proof             ProofConfig                 `json:"proof"`
}

// Value implements driver.Valuer.
func (f FormFields) Value() (driver.Value, error) {
	raw, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("marshal form fields: %w", err)
	}
	return raw, nil
}

// Scan implements sql.Scanner.
func (f *FormFields) Scan(src interface{}) error {
	switch v := src.(type) {
	case []byte:
		return json.Unmarshal(v, f)
	case string:
		return json.Unmarshal([]byte(v), f)
	case nil:
		*f = FormFields{}
		return nil
	default:
		return fmt.Errorf("unsupported form fields type %T", src)
	}
}

// FormFieldConfig defines the submission form for one event category.
type FormFieldConfig struct {
	ID           string     `db:"id" json:"id"`
	CategoryName string     `db:"category_name" json:"category_name"`
	Fields       FormFields `db:"fields" json:"fields"`
	UpdatedBy    string     `db:"updated_by" json:"updated_by,omitempty"`
	CreatedAt    time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time  `db:"updated_at" json:"updated_at"`
}

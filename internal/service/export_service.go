package service

import (
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"github.com/noah-isme/activity-points-api/internal/models"
	appErrors "github.com/noah-isme/activity-points-api/pkg/errors"
	"github.com/noah-isme/activity-points-api/pkg/export"
)

// ExportFormat enumerates supported download formats.
type ExportFormat string

const (
	ExportFormatCSV ExportFormat = "csv"
	ExportFormatPDF ExportFormat = "pdf"
)

// ExportResult carries rendered bytes plus response metadata.
type ExportResult struct {
	FileName    string
	ContentType string
	Content     []byte
}

// ExportService renders impact reports and leaderboards into downloadable
// documents for admins.
type ExportService struct {
	csv     *export.CSVExporter
	pdf     *export.PDFExporter
	enabled bool
	logger  *zap.Logger
}

// NewExportService constructs the service.
func NewExportService(enabled bool, logger *zap.Logger) *ExportService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ExportService{
		csv:     export.NewCSVExporter(),
		pdf:     export.NewPDFExporter(),
		enabled: enabled,
		logger:  logger,
	}
}

// Enabled reports whether export endpoints are active.
func (s *ExportService) Enabled() bool {
	return s != nil && s.enabled
}

// ImpactReport renders an impact report's per-student deltas.
func (s *ExportService) ImpactReport(report *models.ImpactReport, format ExportFormat) (*ExportResult, error) {
	if !s.Enabled() {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "exports are disabled")
	}

	dataset := export.Dataset{
		Headers: []string{"Student", "Old Points", "New Points", "Delta", "Events"},
	}
	for _, impact := range report.MostImpactedStudents {
		dataset.Rows = append(dataset.Rows, map[string]string{
			"Student":    impact.StudentID,
			"Old Points": strconv.Itoa(impact.OldPoints),
			"New Points": strconv.Itoa(impact.NewPoints),
			"Delta":      strconv.Itoa(impact.Delta),
			"Events":     strconv.Itoa(impact.EventsAffected),
		})
	}

	title := fmt.Sprintf("Rule Change Impact - %s", report.Kind)
	if report.CategoryName != "" {
		title = fmt.Sprintf("Rule Change Impact - %s", report.CategoryName)
	}
	return s.render(dataset, "impact-report", title, format)
}

// Leaderboard renders ranked student totals.
func (s *ExportService) Leaderboard(entries []models.LeaderboardEntry, format ExportFormat) (*ExportResult, error) {
	if !s.Enabled() {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "exports are disabled")
	}

	dataset := export.Dataset{
		Headers: []string{"Rank", "Student", "Department", "Points"},
	}
	for _, entry := range entries {
		dataset.Rows = append(dataset.Rows, map[string]string{
			"Rank":       strconv.Itoa(entry.Rank),
			"Student":    entry.FullName,
			"Department": entry.Department,
			"Points":     strconv.Itoa(entry.TotalPoints),
		})
	}
	return s.render(dataset, "leaderboard", "Activity Points Leaderboard", format)
}

func (s *ExportService) render(dataset export.Dataset, baseName, title string, format ExportFormat) (*ExportResult, error) {
	switch format {
	case ExportFormatCSV:
		content, err := s.csv.Render(dataset)
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to render csv")
		}
		return &ExportResult{FileName: baseName + ".csv", ContentType: "text/csv", Content: content}, nil
	case ExportFormatPDF:
		content, err := s.pdf.Render(dataset, title)
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to render pdf")
		}
		return &ExportResult{FileName: baseName + ".pdf", ContentType: "application/pdf", Content: content}, nil
	default:
		return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("unsupported export format %s", format))
	}
}

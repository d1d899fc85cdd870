package filetype

import (
	"archive/zip"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/rs/zerolog/log"
)

// Kind is the class of source document a job can start from.
type Kind string

const (
	KindPDF     Kind = "pdf"
	KindArchive Kind = "zip"
	KindOther   Kind = "other"
)

// FileTypeInfo contains detected file type information
type FileTypeInfo struct {
	MIMEType    string
	Extension   string
	Kind        Kind
	Supported   bool
	Description string
}

// ValidationError reports a source file that cannot start a job.
type ValidationError struct {
	File   string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s: %s", filepath.Base(e.File), e.Reason)
}

// IsValidation reports whether err is a *ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// Detector handles file type detection using magic bytes
type Detector struct {
	// Strict switches pdfcpu to strict validation.
	Strict bool
}

// New creates a new file type detector
func New() *Detector {
	return &Detector{}
}

// Detect detects the actual file type using magic bytes, not filename
func (d *Detector) Detect(filePath string) (*FileTypeInfo, error) {
	mtype, err := mimetype.DetectFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to detect file type: %w", err)
	}

	info := &FileTypeInfo{
		MIMEType:  mtype.String(),
		Extension: mtype.Extension(),
	}
	log.Debug().Str("mime", info.MIMEType).Str("ext", info.Extension).Str("file", filePath).Msg("detected file type")

	switch {
	case mtype.Is("application/pdf"):
		info.Kind = KindPDF
		info.Supported = true
		info.Description = "PDF document"
	case mtype.Is("application/zip"):
		// Office formats are ZIP containers too; only plain archives qualify.
		ext := strings.ToLower(filepath.Ext(filePath))
		if ext != "" && ext != ".zip" {
			log.Warn().Str("ext", ext).Msg("ZIP container with non-archive extension")
			info.Kind = KindOther
			info.Description = fmt.Sprintf("Unsupported ZIP-based file: %s", ext)
			break
		}
		info.Kind = KindArchive
		info.Supported = true
		info.Description = "ZIP archive of PDF documents"
	default:
		info.Kind = KindOther
		info.Description = fmt.Sprintf("Unsupported file type: %s", info.MIMEType)
	}
	return info, nil
}

// ValidatePDF checks that filePath is a readable PDF with at least one page
// and returns its page count.
func (d *Detector) ValidatePDF(filePath string) (int, error) {
	st, err := os.Stat(filePath)
	if err != nil {
		return 0, &ValidationError{File: filePath, Reason: "file not found"}
	}
	if st.IsDir() || st.Size() == 0 {
		return 0, &ValidationError{File: filePath, Reason: "file is empty"}
	}
	info, err := d.Detect(filePath)
	if err != nil {
		return 0, &ValidationError{File: filePath, Reason: err.Error()}
	}
	if info.Kind != KindPDF {
		return 0, &ValidationError{File: filePath, Reason: "not a PDF document (" + info.MIMEType + ")"}
	}
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	if d.Strict {
		conf.ValidationMode = model.ValidationStrict
	}
	if err := api.ValidateFile(filePath, conf); err != nil {
		return 0, &ValidationError{File: filePath, Reason: "corrupt PDF: " + firstLine(err.Error())}
	}
	n, err := api.PageCountFile(filePath)
	if err != nil {
		return 0, &ValidationError{File: filePath, Reason: "page count failed: " + firstLine(err.Error())}
	}
	if n <= 0 {
		return 0, &ValidationError{File: filePath, Reason: "document has no pages"}
	}
	return n, nil
}

// ValidateArchive checks that filePath is a ZIP holding at least one PDF and
// returns the PDF entry names in archive order.
func (d *Detector) ValidateArchive(filePath string) ([]string, error) {
	info, err := d.Detect(filePath)
	if err != nil {
		return nil, &ValidationError{File: filePath, Reason: err.Error()}
	}
	if info.Kind != KindArchive {
		return nil, &ValidationError{File: filePath, Reason: "not a ZIP archive (" + info.MIMEType + ")"}
	}
	zr, err := zip.OpenReader(filePath)
	if err != nil {
		return nil, &ValidationError{File: filePath, Reason: "corrupt archive: " + err.Error()}
	}
	defer zr.Close()
	entries := PDFEntries(&zr.Reader)
	if len(entries) == 0 {
		return nil, &ValidationError{File: filePath, Reason: "archive contains no PDF documents"}
	}
	names := make([]string, len(entries))
	for i, f := range entries {
		names[i] = f.Name
	}
	return names, nil
}

// PDFEntries lists the PDF files inside an archive, skipping directories and
// macOS resource forks.
func PDFEntries(zr *zip.Reader) []*zip.File {
	var out []*zip.File
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		name := f.Name
		if strings.HasPrefix(name, "__MACOSX/") || strings.HasPrefix(path.Base(name), "._") {
			continue
		}
		if strings.EqualFold(path.Ext(name), ".pdf") {
			out = append(out, f)
		}
	}
	return out
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

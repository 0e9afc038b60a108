package pipeline

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/pdfcpu/pdfcpu/pkg/api"
)

// Renderer turns PDF pages into images for the vision extract calls.
// popplerRenderer is the production implementation; tests substitute a fake.
type Renderer interface {
	// PageCount returns the number of pages in a PDF held in memory.
	PageCount(pdf []byte) (int, error)

	// RenderPage rasterizes one page of a PDF on disk to PNG at the given
	// DPI. Page numbers are 1-indexed.
	RenderPage(pdfPath, outDir string, page, dpi int) ([]byte, error)
}

// popplerRenderer counts pages with pdfcpu and rasterizes with pdftoppm
// (poppler-utils).
type popplerRenderer struct{}

func (popplerRenderer) PageCount(pdf []byte) (int, error) {
	n, err := api.PageCount(bytes.NewReader(pdf), nil)
	if err != nil {
		return 0, fmt.Errorf("page count: %w", err)
	}
	return n, nil
}

func (popplerRenderer) RenderPage(pdfPath, outDir string, page, dpi int) ([]byte, error) {
	outputPrefix := filepath.Join(outDir, fmt.Sprintf("page_%04d", page))

	pageStr := fmt.Sprintf("%d", page)
	cmd := exec.Command("pdftoppm",
		"-png",
		"-f", pageStr,
		"-l", pageStr,
		"-r", fmt.Sprintf("%d", dpi),
		"-singlefile",
		pdfPath,
		outputPrefix,
	)

	output, err := cmd.CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("pdftoppm failed for page %d: %w (output: %s)", page, err, string(output))
	}

	data, err := os.ReadFile(outputPrefix + ".png")
	if err != nil {
		return nil, fmt.Errorf("read rendered page %d: %w", page, err)
	}
	return data, nil
}

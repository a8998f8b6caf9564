package analysis

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cochaviz/cellar/internal/models"
)

const taskDocumentName = "task.json"

type machineDocument struct {
	Name     string `json:"name"`
	Label    string `json:"label"`
	IP       string `json:"ip"`
	Platform string `json:"platform"`
	Arch     string `json:"arch,omitempty"`
}

type resultServerDocument struct {
	IP   string `json:"ip"`
	Port int    `json:"port"`
}

// taskDocument is the task.json written into every analysis folder.
type taskDocument struct {
	AnalysisID   string               `json:"analysis_id"`
	ID           int64                `json:"id"`
	Category     models.Category      `json:"category"`
	Target       string               `json:"target"`
	Status       models.TaskStatus    `json:"status"`
	Priority     int                  `json:"priority"`
	Timeout      int                  `json:"timeout"`
	Tags         []string             `json:"tags,omitempty"`
	Options      map[string]string    `json:"options,omitempty"`
	Route        string               `json:"route,omitempty"`
	FileName     string               `json:"file_name,omitempty"`
	FileType     string               `json:"file_type,omitempty"`
	FileArch     string               `json:"file_arch,omitempty"`
	SHA256       string               `json:"sha256,omitempty"`
	Machine      machineDocument      `json:"machine"`
	ResultServer resultServerDocument `json:"resultserver"`
	AddedOn      *time.Time           `json:"added_on,omitempty"`
	StartedOn    *time.Time           `json:"started_on,omitempty"`
	CompletedOn  *time.Time           `json:"completed_on,omitempty"`
}

func optionalTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	utc := t.UTC()
	return &utc
}

func writeTaskDocument(dir string, doc taskDocument) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", taskDocumentName, err)
	}
	path := filepath.Join(dir, taskDocumentName)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", taskDocumentName, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace %s: %w", taskDocumentName, err)
	}
	return nil
}

func readTaskDocument(dir string) (taskDocument, error) {
	var doc taskDocument
	data, err := os.ReadFile(filepath.Join(dir, taskDocumentName))
	if err != nil {
		return doc, err
	}
	err = json.Unmarshal(data, &doc)
	return doc, err
}

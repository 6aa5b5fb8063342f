package tts

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const modelExt = ".onnx"

// Voice describes one installed model, named <locale>-<speaker>-<quality>.onnx.
type Voice struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Lang string `json:"lang"`
}

// Catalog resolves voice ids against the model files in a directory.
type Catalog struct {
	dir          string
	defaultVoice string
}

func NewCatalog(dir, defaultVoice string) *Catalog {
	return &Catalog{dir: dir, defaultVoice: defaultVoice}
}

// Resolve returns the model path for voiceID, or the default voice when
// voiceID is empty. Ids that are not plain file names never resolve.
func (c *Catalog) Resolve(voiceID string) (string, error) {
	if voiceID == "" {
		voiceID = c.defaultVoice
	}
	if voiceID == "" || voiceID != filepath.Base(voiceID) || strings.HasPrefix(voiceID, ".") {
		return "", fmt.Errorf("%w: %q", ErrVoiceNotFound, voiceID)
	}
	path := filepath.Join(c.dir, voiceID)
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return "", fmt.Errorf("%w: %q", ErrVoiceNotFound, voiceID)
	}
	return path, nil
}

// List enumerates the installed voices sorted by id.
func (c *Catalog) List() ([]Voice, error) {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return nil, fmt.Errorf("read voices dir: %w", err)
	}
	voices := []Voice{}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), modelExt) {
			continue
		}
		voices = append(voices, ParseVoice(entry.Name()))
	}
	sort.Slice(voices, func(i, j int) bool { return voices[i].ID < voices[j].ID })
	return voices, nil
}

// ParseVoice derives a display name and locale from a model file name:
// en_US-amy-medium.onnx becomes "Amy (en-US)".
func ParseVoice(filename string) Voice {
	parts := strings.Split(strings.TrimSuffix(filename, modelExt), "-")
	lang := strings.Replace(parts[0], "_", "-", 1)
	if len(parts) < 2 || parts[1] == "" {
		return Voice{ID: filename, Name: lang, Lang: lang}
	}
	speaker := strings.ToUpper(parts[1][:1]) + parts[1][1:]
	return Voice{ID: filename, Name: fmt.Sprintf("%s (%s)", speaker, lang), Lang: lang}
}

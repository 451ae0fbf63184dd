package intake

import (
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/droverhq/drover/errors"
)

// fence delimits optional TOML front-matter at the top of a task
// artifact. The fence must open on the very first line.
const fence = "+++"

// FrontMatter carries the optional metadata a task artifact may declare
// ahead of its payload. Unknown keys are ignored.
type FrontMatter struct {
	Name       string `toml:"name"`
	Type       string `toml:"type"`
	Model      string `toml:"model"`
	Shard      string `toml:"shard"`
	Lane       string `toml:"lane"`
	MaxRetries int    `toml:"max_retries"`
}

// SplitFrontMatter separates an artifact into its front-matter and
// payload. An artifact without a fence is all payload. A fence that opens
// but never closes, or that holds invalid TOML, is a validation error and
// the artifact is quarantined by the caller.
func SplitFrontMatter(content string) (*FrontMatter, string, error) {
	if !strings.HasPrefix(content, fence+"\n") && content != fence {
		return &FrontMatter{}, content, nil
	}

	rest := strings.TrimPrefix(content, fence+"\n")
	idx := strings.Index(rest, "\n"+fence)
	if idx < 0 {
		return nil, "", errors.NewValidationError("unterminated front-matter fence")
	}
	header := rest[:idx]
	payload := rest[idx+len("\n"+fence):]
	payload = strings.TrimPrefix(payload, "\n")

	var fm FrontMatter
	if err := toml.Unmarshal([]byte(header), &fm); err != nil {
		return nil, "", errors.Wrap(errors.ErrValidation, err.Error())
	}
	if fm.MaxRetries < 0 {
		return nil, "", errors.NewValidationError("max_retries must not be negative")
	}
	return &fm, payload, nil
}

package mlsselectors

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFieldCandidatesOrdersPrimaryFirst(t *testing.T) {
	f := Field{Primary: ".a", Fallbacks: []string{".b", ".c"}}
	assert.Equal(t, []string{".a", ".b", ".c"}, f.Candidates())
}

func TestFieldCandidatesSkipsEmptyPrimary(t *testing.T) {
	f := Field{Fallbacks: []string{".b"}}
	assert.Equal(t, []string{".b"}, f.Candidates())
}

func TestLoadParsesYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "selectors.yaml")
	content := `
result_selector: ".card"
captcha_selector: "#captcha"
list_page:
  fields:
    address:
      primary: ".addr"
      fallbacks:
        - ".addr-fallback"
detail_page:
  fields:
    price:
      primary: ".price"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ".card", cfg.ResultSelector)
	assert.Equal(t, []string{".addr", ".addr-fallback"}, cfg.ListPage.Fields["address"].Candidates())
	assert.Equal(t, ".price", cfg.DetailPage.Fields["price"].Primary)
}

func TestLoadErrorsOnMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/selectors.yaml")
	assert.Error(t, err)
}

func TestDefaultHasResultAndCaptchaSelectors(t *testing.T) {
	cfg := Default()
	assert.NotEmpty(t, cfg.ResultSelector)
	assert.NotEmpty(t, cfg.CaptchaSelector)
	assert.NotEmpty(t, cfg.ListPage.Fields)
}

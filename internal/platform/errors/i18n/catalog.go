// Package i18n provides internationalization support for error messages.
package i18n

import (
	"bytes"
	"errors"
	"strings"
	"sync"
	"text/template"

	apperrors "github.com/louisbranch/idproof/internal/platform/errors"
	i18ncatalog "github.com/louisbranch/idproof/internal/platform/i18n/catalog"
)

// Code is a machine-readable error code.
type Code = string

const errorsNamespace = "errors"

// Catalog maps error codes to message templates for a specific locale.
type Catalog struct {
	locale   string
	messages map[Code]string
}

var (
	catalogsMu sync.RWMutex
	// catalogs holds override and runtime-built catalogs by locale.
	catalogs = map[string]*Catalog{}
)

// GetCatalog returns the catalog for the given locale.
// Locales are negotiated against the embedded bundle and missing keys fall
// back to the base locale.
func GetCatalog(locale string) *Catalog {
	requested := strings.TrimSpace(locale)
	if requested == "" {
		requested = i18ncatalog.BaseLocale
	}

	if c, ok := lookupCatalog(requested); ok {
		return c
	}

	bundle := i18ncatalog.Default()
	resolvedLocale := bundle.Resolve(requested)
	if c, ok := lookupCatalog(resolvedLocale); ok {
		return c
	}

	messages := bundle.NamespaceMessages(i18ncatalog.BaseLocale, errorsNamespace)
	if resolvedLocale != i18ncatalog.BaseLocale {
		for key, value := range bundle.NamespaceMessages(resolvedLocale, errorsNamespace) {
			messages[key] = value
		}
	}

	built := NewCatalog(resolvedLocale, messages)
	return storeCatalogIfAbsent(resolvedLocale, built)
}

// Locale returns the locale of this catalog.
func (c *Catalog) Locale() string {
	return c.locale
}

// Format renders the message template with the given metadata.
// Falls back to the error code itself if no template is found.
// Templates are always executed even with nil/empty metadata to ensure
// consistent output (template variables without metadata render as empty).
func (c *Catalog) Format(code Code, metadata map[string]string) string {
	tmpl, ok := c.messages[code]
	if !ok {
		return code
	}

	if metadata == nil {
		metadata = map[string]string{}
	}

	t, err := template.New("msg").Parse(tmpl)
	if err != nil {
		return tmpl
	}

	var buf bytes.Buffer
	if err := t.Execute(&buf, metadata); err != nil {
		return tmpl
	}
	return buf.String()
}

// Message renders the user-facing message for err in the given locale.
// Errors without a domain code render the UNKNOWN message.
func Message(err error, locale string) string {
	if err == nil {
		return ""
	}
	catalog := GetCatalog(locale)
	var domainErr *apperrors.Error
	if errors.As(err, &domainErr) {
		return catalog.Format(string(domainErr.Code), domainErr.Metadata)
	}
	return catalog.Format(string(apperrors.CodeUnknown), nil)
}

// RegisterCatalog registers a new catalog for the given locale.
// This is primarily for testing purposes.
func RegisterCatalog(locale string, cat *Catalog) {
	catalogsMu.Lock()
	defer catalogsMu.Unlock()
	catalogs[locale] = cat
}

// NewCatalog creates a new catalog with the given locale and messages.
func NewCatalog(locale string, messages map[Code]string) *Catalog {
	cloned := make(map[Code]string, len(messages))
	for key, value := range messages {
		cloned[key] = value
	}
	return &Catalog{
		locale:   locale,
		messages: cloned,
	}
}

func lookupCatalog(locale string) (*Catalog, bool) {
	catalogsMu.RLock()
	defer catalogsMu.RUnlock()
	cat, ok := catalogs[locale]
	return cat, ok
}

func storeCatalogIfAbsent(locale string, candidate *Catalog) *Catalog {
	catalogsMu.Lock()
	defer catalogsMu.Unlock()
	if existing, ok := catalogs[locale]; ok {
		return existing
	}
	catalogs[locale] = candidate
	return candidate
}

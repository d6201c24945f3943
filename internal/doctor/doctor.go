// Package doctor checks a tryextender configuration and, optionally, the
// builder catalog it points at.
package doctor

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mattjoyce/tryextender/internal/auth"
	"github.com/mattjoyce/tryextender/internal/catalog"
	"github.com/mattjoyce/tryextender/internal/config"
)

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// Doctor validates configuration against a loaded catalog.
type Doctor struct {
	cfg     *config.Config
	catalog catalog.Catalog
}

// New creates a Doctor. cat may be nil when the catalog could not be loaded;
// catalog checks are then skipped.
func New(cfg *config.Config, cat catalog.Catalog) *Doctor {
	return &Doctor{cfg: cfg, catalog: cat}
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true}

	d.validateAPIConfig(r)
	d.validateTokenScopes(r)
	d.validateCatalog(r)
	d.warnMissingCredentials(r)
	d.warnDeprecatedSyntax(r)
	d.warnSuspiciousIntervals(r)
	d.warnNoPublishing(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

// validateAPIConfig checks API server settings.
func (d *Doctor) validateAPIConfig(r *Result) {
	if !d.cfg.API.Enabled {
		return
	}
	if d.cfg.API.Listen == "" {
		d.addError(r, "api", "api.listen", "api.listen is required when API is enabled")
	}
	if d.cfg.API.Auth.APIKey == "" && len(d.cfg.API.Auth.Tokens) == 0 {
		d.addError(r, "api", "api.auth", "API enabled but no api_key or tokens configured; every protected route would return 401")
	}
}

func (d *Doctor) validateTokenScopes(r *Result) {
	for i, token := range d.cfg.API.Auth.Tokens {
		if len(token.Scopes) == 0 {
			d.addWarning(r, "token_scopes", fmt.Sprintf("api.auth.tokens[%d].scopes", i), "token has no scopes")
		}
		for j, scope := range token.Scopes {
			if !auth.Known(strings.TrimSpace(scope)) {
				d.addError(r, "token_scopes", fmt.Sprintf("api.auth.tokens[%d].scopes[%d]", i, j),
					fmt.Sprintf("unknown scope %q", scope))
			}
		}
	}
}

// validateCatalog checks that the naming rules select something from the
// catalog.
func (d *Doctor) validateCatalog(r *Result) {
	if d.catalog == nil {
		return
	}
	builders := d.catalog.ListBuilders()
	if len(builders) == 0 {
		d.addError(r, "catalog", "", "catalog lists no builders")
		return
	}

	cc := d.cfg.Catalog
	if len(catalog.TryUpstreams(d.catalog, cc.RepoMarkers, cc.ExclusionMarkers)) == 0 {
		d.addWarning(r, "catalog", "catalog.repo_markers",
			"no upstream builder matches the repo markers; new_builds will always be empty")
	}

	orphans := 0
	for _, b := range builders {
		up, err := d.catalog.UpstreamOf(b)
		if err != nil || up == "" {
			continue
		}
		if isDown, err := d.catalog.IsDownstream(up); err != nil || isDown {
			orphans++
		}
	}
	if orphans > 0 {
		d.addWarning(r, "catalog", "",
			fmt.Sprintf("%d downstream builder(s) name an upstream that is missing or itself downstream; they are dropped from the relation graph", orphans))
	}
}

func (d *Doctor) warnMissingCredentials(r *Result) {
	b := d.cfg.BuildAPI
	if b.Username != "" && b.Password == "" {
		d.addWarning(r, "env_vars", "buildapi.password",
			"username set but password empty (possibly unresolved environment variable)")
	}
	for i, token := range d.cfg.API.Auth.Tokens {
		if token.Token == "" {
			d.addWarning(r, "env_vars", fmt.Sprintf("api.auth.tokens[%d].token", i),
				"token value is empty (possibly unresolved environment variable)")
		}
	}
}

func (d *Doctor) warnDeprecatedSyntax(r *Result) {
	if d.cfg.API.Auth.APIKey != "" && len(d.cfg.API.Auth.Tokens) > 0 {
		d.addWarning(r, "deprecated", "api.auth",
			"both api_key and tokens configured; prefer tokens array only")
	}
}

func (d *Doctor) warnSuspiciousIntervals(r *Result) {
	c := d.cfg.Catalog
	if c.RefreshInterval > 0 && c.RefreshInterval < time.Minute {
		d.addWarning(r, "catalog", "catalog.refresh_interval",
			fmt.Sprintf("refresh interval %s is very short; every change rebuilds the relation graph", c.RefreshInterval))
	}
	if c.RefreshInterval > 0 && c.Jitter > c.RefreshInterval {
		d.addWarning(r, "catalog", "catalog.jitter", "jitter exceeds refresh interval")
	}
	if d.cfg.Trigger.BackoffBase < time.Second {
		d.addWarning(r, "trigger", "trigger.backoff_base",
			fmt.Sprintf("backoff base %s will hammer the self-serve API on failure", d.cfg.Trigger.BackoffBase))
	}
}

func (d *Doctor) warnNoPublishing(r *Result) {
	if d.cfg.Publish.File == "" && len(d.cfg.Publish.Kafka.Brokers) == 0 {
		d.addWarning(r, "publish", "publish", "no file or kafka sink configured; reports are only served over the API")
	}
}

// FormatHuman returns a human-readable validation report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	if r.Valid && len(r.Warnings) == 0 {
		b.WriteString("Configuration valid.\n")
		return b.String()
	}

	if r.Valid && len(r.Warnings) > 0 {
		b.WriteString("Configuration valid")
		fmt.Fprintf(&b, " (%d warning(s))\n", len(r.Warnings))
	}

	if !r.Valid {
		fmt.Fprintf(&b, "Configuration invalid (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}

	for _, e := range r.Errors {
		if e.Field != "" {
			fmt.Fprintf(&b, "  ERROR [%s] %s: %s\n", e.Category, e.Field, e.Message)
		} else {
			fmt.Fprintf(&b, "  ERROR [%s] %s\n", e.Category, e.Message)
		}
	}
	for _, w := range r.Warnings {
		if w.Field != "" {
			fmt.Fprintf(&b, "  WARN  [%s] %s: %s\n", w.Category, w.Field, w.Message)
		} else {
			fmt.Fprintf(&b, "  WARN  [%s] %s\n", w.Category, w.Message)
		}
	}

	return b.String()
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}

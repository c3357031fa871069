package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"reflect"
	"sort"
	"strings"

	"github.com/spf13/cobra"
	cobraDoc "github.com/spf13/cobra/doc"

	"github.com/dotsetgreg/companion/pkg/bus"
	"github.com/dotsetgreg/companion/pkg/config"
	"github.com/dotsetgreg/companion/pkg/gateway"
	"github.com/dotsetgreg/companion/pkg/providers"
)

const cliDocsDir = "reference/cli"

var eventDocs = map[bus.EventKind]string{
	bus.EventTurnAppended:   "the optimistic user turn and the reply placeholder were shown",
	bus.EventTurnUpdated:    "a shown turn changed; the reply text grows with each fragment",
	bus.EventTurnConfirmed:  "the store confirmed a turn and assigned its id",
	bus.EventTurnsPrepended: "older history was loaded above the shown turns",
	bus.EventTurnsCleared:   "the conversation was deleted",
	bus.EventPhaseChanged:   "the send cycle moved to `idle`, `sending`, `streaming` or `settled`",
}

func newDocsCommand(rootFactory func() *cobra.Command) *cobra.Command {
	docsRoot := &cobra.Command{
		Use:    "docs",
		Short:  "Internal docs maintenance commands",
		Hidden: true,
	}

	var (
		outputDir string
		checkOnly bool
	)
	gen := &cobra.Command{
		Use:   "generate",
		Short: "Generate the CLI, config and HTTP references",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(outputDir) == "" {
				return fmt.Errorf("--output must not be empty")
			}
			return generateDocumentation(rootFactory, outputDir, checkOnly)
		},
	}
	gen.Flags().StringVar(&outputDir, "output", "docs", "Docs directory root")
	gen.Flags().BoolVar(&checkOnly, "check", false, "Fail if generated docs are out of date")

	docsRoot.AddCommand(gen)
	return docsRoot
}

// generateDocumentation writes the reference pages under outputDir, or with
// checkOnly reports every page that differs from what would be written.
func generateDocumentation(rootFactory func() *cobra.Command, outputDir string, checkOnly bool) error {
	pages, err := renderReferencePages(rootFactory())
	if err != nil {
		return err
	}

	stale, err := stalePages(pages, outputDir)
	if err != nil {
		return err
	}
	if checkOnly {
		if len(stale) > 0 {
			return fmt.Errorf("docs out of date: %s; run `companion docs generate`", strings.Join(stale, ", "))
		}
		return nil
	}

	for _, rel := range stale {
		dst := filepath.Join(outputDir, filepath.FromSlash(rel))
		content, ok := pages[rel]
		if !ok {
			if err := os.Remove(dst); err != nil {
				return fmt.Errorf("remove %s: %w", rel, err)
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return fmt.Errorf("create dir for %s: %w", rel, err)
		}
		if err := os.WriteFile(dst, content, 0o644); err != nil {
			return fmt.Errorf("write %s: %w", rel, err)
		}
	}
	return nil
}

// renderReferencePages returns page contents keyed by slash path relative
// to the docs root.
func renderReferencePages(root *cobra.Command) (map[string][]byte, error) {
	pages := map[string][]byte{}
	if err := renderCLIPages(root, pages); err != nil {
		return nil, err
	}
	pages["reference/config.md"] = []byte(configReference())
	pages["reference/http.md"] = []byte(httpReference())
	return pages, nil
}

func renderCLIPages(cmd *cobra.Command, pages map[string][]byte) error {
	if !cmd.IsAvailableCommand() || cmd.IsAdditionalHelpTopicCommand() {
		return nil
	}
	cmd.DisableAutoGenTag = true

	var buf bytes.Buffer
	if err := cobraDoc.GenMarkdownCustom(cmd, &buf, func(name string) string { return name }); err != nil {
		return fmt.Errorf("render %q docs: %w", cmd.CommandPath(), err)
	}
	pages[cliPagePath(cmd)] = buf.Bytes()

	for _, child := range cmd.Commands() {
		if err := renderCLIPages(child, pages); err != nil {
			return err
		}
	}
	return nil
}

func cliPagePath(cmd *cobra.Command) string {
	return path.Join(cliDocsDir, strings.ReplaceAll(cmd.CommandPath(), " ", "_")+".md")
}

// stalePages lists, sorted, the pages that are missing or differ on disk
// plus CLI pages on disk for commands that no longer exist.
func stalePages(pages map[string][]byte, outputDir string) ([]string, error) {
	var stale []string
	for rel, want := range pages {
		got, err := os.ReadFile(filepath.Join(outputDir, filepath.FromSlash(rel)))
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("read %s: %w", rel, err)
		}
		if err != nil || !bytes.Equal(got, want) {
			stale = append(stale, rel)
		}
	}

	onDisk, err := filepath.Glob(filepath.Join(outputDir, filepath.FromSlash(cliDocsDir), "*.md"))
	if err != nil {
		return nil, err
	}
	for _, p := range onDisk {
		rel := path.Join(cliDocsDir, filepath.Base(p))
		if _, ok := pages[rel]; !ok {
			stale = append(stale, rel)
		}
	}
	sort.Strings(stale)
	return stale, nil
}

func configReference() string {
	var b strings.Builder
	b.WriteString("# Config Reference\n\n")
	b.WriteString("Keys are read from the JSON config file; the environment variable overrides the file.\n\n")
	b.WriteString("Supported `llm.provider` values: `" + strings.Join(providers.SupportedProviders(), "`, `") + "`.\n\n")
	b.WriteString("| Key | Type | Env Var | Default |\n")
	b.WriteString("| --- | --- | --- | --- |\n")
	for _, row := range configRows(reflect.ValueOf(*config.DefaultConfig()), "") {
		fmt.Fprintf(&b, "| `%s` | `%s` | `%s` | `%s` |\n", row.key, row.kind, row.env, escapePipes(row.def))
	}
	return b.String()
}

type configRow struct {
	key, kind, env, def string
}

// configRows walks the config struct in declaration order. Nested sections
// become dotted keys.
func configRows(v reflect.Value, prefix string) []configRow {
	var rows []configRow
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if !f.IsExported() || name == "" || name == "-" {
			continue
		}
		key := name
		if prefix != "" {
			key = prefix + "." + name
		}
		if f.Type.Kind() == reflect.Struct {
			rows = append(rows, configRows(v.Field(i), key)...)
			continue
		}
		rows = append(rows, configRow{
			key:  key,
			kind: f.Type.Kind().String(),
			env:  valueOr(f.Tag.Get("env"), "-"),
			def:  defaultText(v.Field(i)),
		})
	}
	return rows
}

func defaultText(v reflect.Value) string {
	if v.IsZero() {
		return "-"
	}
	data, err := json.Marshal(v.Interface())
	if err != nil {
		return fmt.Sprint(v.Interface())
	}
	return string(data)
}

func httpReference() string {
	var b strings.Builder
	b.WriteString("# HTTP API\n\n")
	b.WriteString("Chat routes take `Authorization: Bearer <jwt>` signed HS256 with `gateway.jwt_secret`; the subject is the user id. ")
	b.WriteString("A missing or invalid token answers 401 `{\"redirect\":\"login\"}`. ")
	b.WriteString("A token with `\"onboarded\": false` answers 403 `{\"redirect\":\"onboarding\"}`.\n\n")
	b.WriteString("| Method | Path | Auth | Description |\n")
	b.WriteString("| --- | --- | --- | --- |\n")
	for _, r := range gateway.Routes() {
		auth := "-"
		if r.Auth {
			auth = "bearer"
		}
		fmt.Fprintf(&b, "| `%s` | `%s` | %s | %s |\n", r.Method, r.Path, auth, escapePipes(r.Summary))
	}

	b.WriteString("\n## Send stream\n\n")
	b.WriteString("`POST /api/v1/chat/messages` answers `text/event-stream`. Each view change is one SSE message whose `event` is the kind below and whose `data` is the JSON event. ")
	b.WriteString("The stream ends with a `result` message carrying the send status, or `error` when the send was refused.\n\n")
	for _, kind := range bus.EventKinds() {
		fmt.Fprintf(&b, "- `%s`: %s\n", kind, eventDocs[kind])
	}
	return b.String()
}

func escapePipes(v string) string {
	return strings.ReplaceAll(v, "|", "\\|")
}

func valueOr(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}

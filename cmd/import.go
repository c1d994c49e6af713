package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/spf13/cobra"

	"github.com/JakeFAU/webimporter/internal/fetch/file"
	"github.com/JakeFAU/webimporter/internal/jobs"
)

type importOptions struct {
	template        string
	tags            map[string]string
	useBrowser      bool
	storeContent    bool
	followRedirects bool
	maxRedirects    int
}

func newImportCmd() *cobra.Command {
	opts := &importOptions{}
	cmd := &cobra.Command{
		Use:   "import [reference|path|glob]...",
		Short: "Imports references once and prints the job result",
		Long: `Runs one import job in the foreground. Arguments are URLs, file://
references, local paths or doublestar globs such as "docs/**/*.html".
Directories import every file below them.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := resolveSession(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = s.app.Close(context.WithoutCancel(cmd.Context())) }()

			params, err := opts.parameters(s.cfg.Templates, args, cmd.Flags().Changed("follow-redirects"))
			if err != nil {
				return err
			}
			job, err := s.app.Import(cmd.Context(), params)
			if err != nil {
				return err
			}
			docs, err := s.app.JobStore().ListDocuments(cmd.Context(), job.ID)
			if err != nil {
				return fmt.Errorf("list documents: %w", err)
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(jobs.Result{Job: job, Documents: docs}); err != nil {
				return fmt.Errorf("write result: %w", err)
			}
			if job.Status != jobs.StatusSucceeded {
				return fmt.Errorf("job %s finished %s: %s", job.ID, job.Status, job.ErrorText)
			}
			return nil
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&opts.template, "template", "", "start from a configured job template")
	flags.StringToStringVar(&opts.tags, "tag", nil, "tag the job (key=value, repeatable)")
	flags.BoolVar(&opts.useBrowser, "browser", false, "fetch every reference with the browser fetcher")
	flags.BoolVar(&opts.storeContent, "store-content", false, "keep raw fetched bytes in the blob store")
	flags.BoolVar(&opts.followRedirects, "follow-redirects", true, "follow redirect targets")
	flags.IntVar(&opts.maxRedirects, "max-redirects", 5, "redirect limit per reference")
	return cmd
}

func (o *importOptions) parameters(templates map[string]jobs.Parameters, args []string, redirectsSet bool) (jobs.Parameters, error) {
	var params jobs.Parameters
	if o.template != "" {
		tmpl, ok := templates[o.template]
		if !ok {
			return jobs.Parameters{}, fmt.Errorf("unknown template %q", o.template)
		}
		params.References = append(params.References, tmpl.References...)
		params.Options = tmpl.Options
		params.Tags = make(map[string]string, len(tmpl.Tags)+len(o.tags))
		for k, v := range tmpl.Tags {
			params.Tags[k] = v
		}
	} else {
		params.Options = jobs.Options{
			FollowRedirects: o.followRedirects,
			MaxRedirects:    o.maxRedirects,
		}
	}
	if redirectsSet {
		params.Options.FollowRedirects = o.followRedirects
		params.Options.MaxRedirects = o.maxRedirects
	}
	if len(o.tags) > 0 && params.Tags == nil {
		params.Tags = make(map[string]string, len(o.tags))
	}
	for k, v := range o.tags {
		params.Tags[k] = v
	}
	params.Options.UseBrowser = params.Options.UseBrowser || o.useBrowser
	params.Options.StoreContent = params.Options.StoreContent || o.storeContent

	refs, err := expandReferences(args)
	if err != nil {
		return jobs.Parameters{}, err
	}
	params.References = append(params.References, refs...)
	if len(params.References) == 0 {
		return jobs.Parameters{}, fmt.Errorf("no references to import")
	}
	return params, nil
}

// expandReferences keeps URLs as they are and turns paths, directories and
// globs into sorted file:// references.
func expandReferences(args []string) ([]string, error) {
	var out []string
	for _, arg := range args {
		if isURL(arg) {
			out = append(out, arg)
			continue
		}
		pattern := arg
		if info, err := os.Stat(arg); err == nil {
			if !info.IsDir() {
				out = append(out, file.Reference(arg))
				continue
			}
			pattern = filepath.Join(arg, "**", "*")
		} else if !strings.ContainsAny(arg, "*?[{") {
			return nil, fmt.Errorf("reference %q: %w", arg, fs.ErrNotExist)
		}
		matches, err := doublestar.FilepathGlob(pattern, doublestar.WithFilesOnly())
		if err != nil {
			return nil, fmt.Errorf("glob %q: %w", arg, err)
		}
		if len(matches) == 0 {
			return nil, fmt.Errorf("no files match %q", arg)
		}
		for _, m := range matches {
			out = append(out, file.Reference(m))
		}
	}
	return out, nil
}

func isURL(arg string) bool {
	u, err := url.Parse(arg)
	if err != nil {
		return false
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https", "file":
		return true
	default:
		return false
	}
}

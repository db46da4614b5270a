package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/bitrise-io/build-output-cache/internal/build_cache/key"
	"github.com/bitrise-io/build-output-cache/internal/packer"
	"github.com/bitrise-io/build-output-cache/internal/utils"
)

// inspectCmd represents the inspect command
var inspectCmd = &cobra.Command{ //nolint:gochecknoglobals
	Use:   "inspect",
	Short: "Print the origin metadata and the manifest of a cache entry",
	Long: `Print the origin metadata and the manifest of a cache entry.

The entry is looked up like in load, or read from a file with --file.
Nothing is restored.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, _ []string) error {
		logger := newLogger()

		file, _ := cmd.Flags().GetString("file")
		params := inspectParams{}
		params.OriginOnly, _ = cmd.Flags().GetBool("origin-only")
		params.JSON, _ = cmd.Flags().GetBool("json")

		if file != "" {
			blob, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("read entry: %w", err)
			}

			return inspectBlob(cmd.OutOrStdout(), blob, params)
		}

		envs := utils.AllEnvs()
		cfg, err := loadConfig(cmd, envs)
		if err != nil {
			return err
		}

		k, err := keyFromFlags(cmd)
		if err != nil {
			return err
		}

		session, err := openCache(openCacheParams{
			Config:      cfg,
			Envs:        envs,
			CommandFunc: newCommandFunc(),
			Logger:      logger,
		})
		if err != nil {
			return err
		}
		defer session.close()

		return inspectCmdFn(cmd.Context(), cmd.OutOrStdout(), session, k, params)
	},
}

func init() {
	rootCmd.AddCommand(inspectCmd)
	addKeyFlags(inspectCmd)
	inspectCmd.Flags().String("file", "", "Inspect this entry file instead of looking up a key")
	inspectCmd.Flags().Bool("origin-only", false, "Print only the origin metadata")
	inspectCmd.Flags().Bool("json", false, "Print JSON instead of a table")
}

type inspectParams struct {
	OriginOnly bool
	JSON       bool
}

func inspectCmdFn(ctx context.Context, w io.Writer, session *cacheSession, k key.Key, params inspectParams) error {
	blob, hit, err := session.controller.Load(ctx, k)
	if err != nil {
		return fmt.Errorf("load %s: %w", k, err)
	}
	if !hit {
		return fmt.Errorf("%s: %w", k, errCacheMiss)
	}

	return inspectBlob(w, blob, params)
}

func inspectBlob(w io.Writer, blob []byte, params inspectParams) error {
	var res packer.Result
	if params.OriginOnly {
		origin, err := packer.ReadOrigin(blob)
		if err != nil {
			return fmt.Errorf("read origin: %w", err)
		}
		res.Origin = origin
	} else {
		inspected, err := packer.Inspect(blob)
		if err != nil {
			return fmt.Errorf("inspect entry: %w", err)
		}
		res = inspected
	}

	if params.JSON {
		return writeInspectJSON(w, res, params.OriginOnly)
	}

	return writeInspectTable(w, res, len(blob), params.OriginOnly)
}

type inspectedEntry struct {
	Path   string `json:"path"`
	Kind   string `json:"kind"`
	Mode   string `json:"mode"`
	Size   int64  `json:"size,omitempty"`
	Target string `json:"target,omitempty"`
}

func writeInspectJSON(w io.Writer, res packer.Result, originOnly bool) error {
	out := struct {
		Origin  packer.OriginMetadata `json:"origin"`
		Entries []inspectedEntry      `json:"entries,omitempty"`
	}{Origin: res.Origin}

	if !originOnly {
		out.Entries = make([]inspectedEntry, 0, len(res.Entries))
		for _, e := range res.Entries {
			out.Entries = append(out.Entries, inspectedEntry{
				Path:   e.Path,
				Kind:   e.Kind.String(),
				Mode:   e.Mode.String(),
				Size:   e.Size,
				Target: e.Target,
			})
		}
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		return fmt.Errorf("encode entry: %w", err)
	}

	return nil
}

func writeInspectTable(w io.Writer, res packer.Result, blobSize int, originOnly bool) error {
	o := res.Origin
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)

	fmt.Fprintf(tw, "Task:\t%s\n", o.TaskPath)
	fmt.Fprintf(tw, "Task type:\t%s\n", o.TaskType)
	fmt.Fprintf(tw, "Invocation:\t%s\n", o.BuildInvocationID)
	fmt.Fprintf(tw, "Execution time:\t%s\n", o.ExecutionTime)
	fmt.Fprintf(tw, "Created:\t%s (%s)\n", o.CreationTime.Format(time.RFC3339), humanize.Time(o.CreationTime))
	fmt.Fprintf(tw, "Host:\t%s\n", o.Hostname)
	fmt.Fprintf(tw, "User:\t%s\n", o.Username)
	fmt.Fprintf(tw, "OS:\t%s\n", o.OperatingSystem)
	fmt.Fprintf(tw, "Tool version:\t%s\n", o.ToolVersion)

	if !originOnly {
		fmt.Fprintf(tw, "Entry size:\t%s (%s unpacked)\n", humanize.Bytes(uint64(blobSize)), humanize.Bytes(uint64(res.TotalSize()))) //nolint:gosec
		fmt.Fprintln(tw)
		fmt.Fprintln(tw, "MODE\tKIND\tSIZE\tPATH")
		for _, e := range res.Entries {
			path := e.Path
			if e.Target != "" {
				path += " -> " + e.Target
			}
			size := "-"
			if e.Kind == packer.KindFile {
				size = humanize.Bytes(uint64(e.Size)) //nolint:gosec
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", e.Mode, e.Kind, size, path)
		}
	}

	if err := tw.Flush(); err != nil {
		return fmt.Errorf("write entry: %w", err)
	}

	return nil
}

package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/safecheckpoint/pkg/safecheckpoint/checkpoint"
)

// KeyOptions holds the flags that address a checkpoint.
type KeyOptions struct {
	*RootOptions
	Thread    string
	Namespace string
}

func (o *KeyOptions) bind(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&o.Thread, "thread", "t", "", "thread ID (required)")
	_ = cmd.MarkFlagRequired("thread")
	cmd.Flags().StringVarP(&o.Namespace, "ns", "n", "", "checkpoint namespace")
}

// KeyResult is the JSON form of a checkpoint key.
type KeyResult struct {
	ThreadID     string `json:"thread_id"`
	Namespace    string `json:"namespace"`
	CheckpointID string `json:"checkpoint_id"`
}

func keyResult(k checkpoint.Key) KeyResult {
	return KeyResult{ThreadID: k.ThreadID, Namespace: k.Namespace, CheckpointID: k.CheckpointID}
}

// storeError maps saver errors to exit codes.
func storeError(message string, err error) error {
	if errors.Is(err, checkpoint.ErrNotFound) {
		return WrapExitError(ExitFailure, message, err)
	}
	if errors.Is(err, checkpoint.ErrThreadIDRequired) || errors.Is(err, checkpoint.ErrInvalidKeyPart) {
		return WrapExitError(ExitCommandError, message, err)
	}
	return WrapExitError(ExitFailure, message, err)
}

// decodeObject decodes a JSON object, keeping numbers as json.Number.
func decodeObject(s string) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(s)))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil, err
	}
	if m == nil {
		m = map[string]any{}
	}
	return m, nil
}

// PutOptions holds flags for the put command.
type PutOptions struct {
	KeyOptions
	ID       string
	Parent   string
	Values   string
	Versions string
	Metadata string
}

// NewPutCommand creates the put command.
func NewPutCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PutOptions{KeyOptions: KeyOptions{RootOptions: rootOpts}}

	cmd := &cobra.Command{
		Use:   "put",
		Short: "Store a checkpoint",
		Long: `Store a checkpoint built from JSON values and channel versions.

Versions are normalized before they are written.

Examples:
  cpctl put --backend sqlite --path ./cp.db --thread t1 \
    --versions '{"__start__": "00000000000000000000000000000002.0.243798848838515", "messages": 1}'
  cpctl put --thread t1 --parent 01HX... --values '{"messages": ["hi"]}' --versions '{"messages": "2"}'`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPut(opts, cmd)
		},
	}

	opts.bind(cmd)
	cmd.Flags().StringVar(&opts.ID, "id", "", "checkpoint ID (default: generated)")
	cmd.Flags().StringVar(&opts.Parent, "parent", "", "parent checkpoint ID")
	cmd.Flags().StringVar(&opts.Values, "values", "{}", "channel values as a JSON object")
	cmd.Flags().StringVar(&opts.Versions, "versions", "{}", "channel versions as a JSON object")
	cmd.Flags().StringVar(&opts.Metadata, "metadata", "{}", "checkpoint metadata as a JSON object")

	return cmd
}

func runPut(opts *PutOptions, cmd *cobra.Command) error {
	values, err := decodeObject(opts.Values)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid --values", err)
	}
	versions, err := decodeObject(opts.Versions)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid --versions", err)
	}
	meta, err := decodeObject(opts.Metadata)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid --metadata", err)
	}

	saver, err := opts.openSaver(cmd)
	if err != nil {
		return err
	}
	defer saver.Close()

	cp := checkpoint.New(values, versions)
	if opts.ID != "" {
		cp[checkpoint.FieldID] = opts.ID
	}
	key := checkpoint.Key{ThreadID: opts.Thread, Namespace: opts.Namespace, CheckpointID: opts.Parent}

	saved, err := saver.Put(cmd.Context(), key, cp, meta, nil)
	if err != nil {
		return storeError("failed to save checkpoint", err)
	}
	opts.formatter(cmd).VerboseLog("normalized versions: %v", versions)

	return opts.formatter(cmd).Success(keyResult(saved), func(w io.Writer) {
		fmt.Fprintf(w, "saved %s\n", saved)
	})
}

// GetOptions holds flags for the get command.
type GetOptions struct {
	KeyOptions
	ID  string
	Raw bool
}

// NewGetCommand creates the get command.
func NewGetCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &GetOptions{KeyOptions: KeyOptions{RootOptions: rootOpts}}

	cmd := &cobra.Command{
		Use:   "get",
		Short: "Print a checkpoint",
		Long: `Print a checkpoint as JSON. Without --id the latest checkpoint of the
thread is printed. --raw skips normalization and shows versions as stored.

Examples:
  cpctl get --backend sqlite --path ./cp.db --thread t1
  cpctl get --thread t1 --id 01HX... --raw`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGet(opts, cmd)
		},
	}

	opts.bind(cmd)
	cmd.Flags().StringVar(&opts.ID, "id", "", "checkpoint ID (default: latest)")
	cmd.Flags().BoolVar(&opts.Raw, "raw", false, "skip version normalization")

	return cmd
}

func runGet(opts *GetOptions, cmd *cobra.Command) error {
	var (
		saver checkpoint.Saver
		err   error
	)
	if opts.Raw {
		saver, _, err = opts.openRawSaver(cmd)
	} else {
		saver, err = opts.openSaver(cmd)
	}
	if err != nil {
		return err
	}
	defer saver.Close()

	key := checkpoint.Key{ThreadID: opts.Thread, Namespace: opts.Namespace, CheckpointID: opts.ID}
	cp, err := saver.Get(cmd.Context(), key)
	if err != nil {
		return storeError("failed to load checkpoint", err)
	}

	return opts.formatter(cmd).Success(cp, func(w io.Writer) {
		data, err := json.MarshalIndent(cp, "", "  ")
		if err != nil {
			fmt.Fprintf(w, "%v\n", cp)
			return
		}
		fmt.Fprintln(w, string(data))
	})
}

// ListOptions holds flags for the list command.
type ListOptions struct {
	KeyOptions
	Limit  int
	Before string
}

// ListEntry is one row of list output.
type ListEntry struct {
	CheckpointID string    `json:"checkpoint_id"`
	ParentID     string    `json:"parent_id,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	Size         int64     `json:"size"`
}

// NewListCommand creates the list command.
func NewListCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ListOptions{KeyOptions: KeyOptions{RootOptions: rootOpts}}

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List checkpoints of a thread, newest first",
		Long: `List checkpoints of a thread and namespace, newest first.

Examples:
  cpctl list --backend sqlite --path ./cp.db --thread t1
  cpctl list --thread t1 --limit 10 --before 01HX...`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runList(opts, cmd)
		},
	}

	opts.bind(cmd)
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "maximum checkpoints to list (0: all)")
	cmd.Flags().StringVar(&opts.Before, "before", "", "only checkpoints older than this ID")

	return cmd
}

func runList(opts *ListOptions, cmd *cobra.Command) error {
	if opts.Limit < 0 {
		return NewExitError(ExitCommandError, "--limit must not be negative")
	}

	saver, _, err := opts.openRawSaver(cmd)
	if err != nil {
		return err
	}
	defer saver.Close()

	tuples, err := saver.List(cmd.Context(),
		checkpoint.Key{ThreadID: opts.Thread, Namespace: opts.Namespace},
		checkpoint.ListOptions{Limit: opts.Limit, Before: opts.Before})
	if err != nil {
		return storeError("failed to list checkpoints", err)
	}

	entries := make([]ListEntry, 0, len(tuples))
	for _, tp := range tuples {
		entries = append(entries, ListEntry{
			CheckpointID: tp.Key.CheckpointID,
			ParentID:     tp.ParentID,
			CreatedAt:    tp.CreatedAt,
			Size:         tp.Size,
		})
	}

	return opts.formatter(cmd).Success(entries, func(w io.Writer) {
		if len(entries) == 0 {
			fmt.Fprintf(w, "No checkpoints for thread %s\n", opts.Thread)
			return
		}
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tPARENT\tCREATED\tSIZE")
		for _, e := range entries {
			parent := e.ParentID
			if parent == "" {
				parent = "-"
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%d\n", e.CheckpointID, parent, e.CreatedAt.Format(time.RFC3339), e.Size)
		}
		_ = tw.Flush()
	})
}

// DeleteThreadOptions holds flags for the delete-thread command.
type DeleteThreadOptions struct {
	*RootOptions
	Thread string
}

// NewDeleteThreadCommand creates the delete-thread command.
func NewDeleteThreadCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DeleteThreadOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "delete-thread",
		Short: "Delete every checkpoint of a thread",
		Long: `Delete every checkpoint of a thread across all namespaces.

Examples:
  cpctl delete-thread --backend sqlite --path ./cp.db --thread t1`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDeleteThread(opts, cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.Thread, "thread", "t", "", "thread ID (required)")
	_ = cmd.MarkFlagRequired("thread")

	return cmd
}

func runDeleteThread(opts *DeleteThreadOptions, cmd *cobra.Command) error {
	saver, _, err := opts.openRawSaver(cmd)
	if err != nil {
		return err
	}
	defer saver.Close()

	if err := saver.DeleteThread(cmd.Context(), opts.Thread); err != nil {
		return storeError("failed to delete thread", err)
	}

	return opts.formatter(cmd).Success(map[string]string{"thread_id": opts.Thread}, func(w io.Writer) {
		fmt.Fprintf(w, "deleted thread %s\n", opts.Thread)
	})
}

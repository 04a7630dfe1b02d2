// Command blobidx-client is the client agent: it runs
// on compute nodes and talks to a blobidx-server's HTTP façade to
// write, read, download-and-store, and compute over blob entries.
// Exactly one JSON line of shape {"type":"Message"|"Error","data":...}
// is ever written to stdout — every diagnostic goes to stderr, so the
// job manager can reliably parse the final stdout line as this
// invocation's result.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	_ "go.uber.org/automaxprocs"

	"github.com/donald-pinckney/blobidx/internal/agent"
	"github.com/donald-pinckney/blobidx/internal/errors"
)

// GlobalOptions holds the flags shared by every subcommand.
type GlobalOptions struct {
	ServerURL  string
	APIKey     string
	NodeID     string
	StorageDir string
}

var globalOptions GlobalOptions

func newClient() *agent.Client {
	return agent.NewClient(globalOptions.ServerURL, globalOptions.APIKey, globalOptions.NodeID)
}

// clientResponse is the wire envelope every subcommand emits exactly
// once on stdout.
type clientResponse struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

func emitMessage(data interface{}) {
	emit(clientResponse{Type: "Message", Data: data})
}

func emitError(err error) {
	emit(clientResponse{Type: "Error", Data: err.Error()})
}

func emit(resp clientResponse) {
	raw, err := json.Marshal(resp)
	if err != nil {
		fmt.Fprintf(os.Stderr, "marshalling response: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(string(raw))
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:          "blobidx-client",
		Short:        "Client agent for the blob storage index",
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&globalOptions.ServerURL, "server", "http://127.0.0.1:8080", "base URL of the blobidx-server HTTP façade")
	root.PersistentFlags().StringVar(&globalOptions.APIKey, "api-key", "", "shared secret required by the server")
	root.PersistentFlags().StringVar(&globalOptions.NodeID, "node-id", os.Getenv("SLURM_JOB_ID"), "identifier for this node's write lease")
	root.PersistentFlags().StringVar(&globalOptions.StorageDir, "storage-dir", "./blob-storage", "shared filesystem directory holding blob_<file_id>.bin files")

	root.AddCommand(newReadCommand())
	root.AddCommand(newWriteCommand())
	root.AddCommand(newStoreCommand())
	root.AddCommand(newComputeCommand())
	root.AddCommand(newComputeMultiCommand())

	return root
}

// runAgent centralizes the pattern every subcommand follows: run f,
// and on success emit its return value as the one Message line; on
// failure leave emission to the caller (main prints an Error line
// when RunE itself returns an error).
func runAgent(f func() (interface{}, error)) error {
	data, err := f()
	if err != nil {
		return err
	}
	emitMessage(data)
	return nil
}

func newReadCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "read <key>",
		Short: "Fetch a previously written key's bytes into a local temp file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgent(func() (interface{}, error) {
				path, err := newClient().ReadToTempFile(context.Background(), globalOptions.StorageDir, args[0])
				if err != nil {
					return nil, err
				}
				return struct {
					Path string `json:"path"`
				}{Path: path}, nil
			})
		},
	}
}

func newWriteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "write <key> <local-file>",
		Short: "Store a single local file under key",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgent(func() (interface{}, error) {
				key, path := args[0], args[1]
				f, err := os.Open(path)
				if err != nil {
					return nil, errors.Wrap(err, "opening local file")
				}
				defer f.Close()

				info, err := f.Stat()
				if err != nil {
					return nil, errors.Wrap(err, "stat local file")
				}

				if err := newClient().Store(context.Background(), globalOptions.StorageDir, []agent.WriteEntry{
					{Key: key, NumBytes: uint64(info.Size()), Data: f},
				}); err != nil {
					return nil, err
				}
				return struct {
					Key string `json:"key"`
				}{Key: key}, nil
			})
		},
	}
}

func newStoreCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "store <url> [url...]",
		Short: "Download each URL and store it under a key derived from its basename",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			results, err := newClient().DownloadAndStore(context.Background(), globalOptions.StorageDir, args, keyFromURL)
			if err != nil {
				return err
			}

			var failed []string
			for _, r := range results {
				if r.Err != nil {
					failed = append(failed, r.URL)
				}
			}
			if len(failed) > 0 {
				emit(clientResponse{Type: "Error", Data: struct {
					Kind string   `json:"kind"`
					URLs []string `json:"urls"`
				}{Kind: "DownloadFailed", URLs: failed}})
				return nil
			}

			emitMessage(struct {
				Stored int `json:"stored"`
			}{Stored: len(results)})
			return nil
		},
	}
}

func newComputeCommand() *cobra.Command {
	var binary string
	cmd := &cobra.Command{
		Use:   "compute <key> [key...]",
		Short: "Fetch each key's slice and run a binary once per key over the local paths",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgent(func() (interface{}, error) {
				return newClient().RunCompute(context.Background(), globalOptions.StorageDir, binary, args)
			})
		},
	}
	cmd.Flags().StringVar(&binary, "bin", "", "path to the binary to invoke")
	cmd.MarkFlagRequired("bin")
	return cmd
}

func newComputeMultiCommand() *cobra.Command {
	var binary string
	cmd := &cobra.Command{
		Use:   "compute-multi <group1> [group2...]",
		Short: "Run a binary once per &-separated group of keys",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgent(func() (interface{}, error) {
				groups := make([][]string, len(args))
				for i, g := range args {
					groups[i] = strings.Split(g, "&")
				}
				return newClient().RunComputeMulti(context.Background(), globalOptions.StorageDir, binary, groups)
			})
		},
	}
	cmd.Flags().StringVar(&binary, "bin", "", "path to the binary to invoke")
	cmd.MarkFlagRequired("bin")
	return cmd
}

func keyFromURL(url string) string {
	if i := strings.LastIndexByte(url, '/'); i >= 0 {
		return url[i+1:]
	}
	return url
}

func main() {
	root := newRootCommand()
	if err := root.Execute(); err != nil {
		emitError(err)
		os.Exit(1)
	}
}

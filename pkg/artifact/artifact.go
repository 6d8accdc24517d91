package artifact

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/kballard/go-shellquote"
	"go.uber.org/zap"

	"github.com/aditip149209/okrun/pkg/archive"
	"github.com/aditip149209/okrun/pkg/fault"
	"github.com/aditip149209/okrun/pkg/ledger"
	"github.com/aditip149209/okrun/pkg/transport"
)

// Bundle is one directory on a node to copy back to the control host.
type Bundle struct {
	Name       string `json:"name"`
	Host       string `json:"host"`
	RemotePath string `json:"remote_path"`
	LocalPath  string `json:"local_path"`

	// Count is the number of regular files found remotely, -1 when the path is
	// absent. Filled in by Fetch.
	Count int `json:"count"`
	// Files is the number of files written locally.
	Files int `json:"files"`
}

// Retrieved reports whether the bundle was copied.
func (b Bundle) Retrieved() bool { return b.Files > 0 }

var ErrEmpty = errors.New("nothing to retrieve")

type Retriever struct {
	Transport transport.Transport
	Ledger    *ledger.Ledger
	Log       *zap.Logger
}

// Fetch copies every bundle in order. A bundle that is absent, empty or fails to
// transfer is recorded as a retrieval warning and the next bundle is still tried.
func (r *Retriever) Fetch(ctx context.Context, bundles []Bundle) []Bundle {
	out := make([]Bundle, len(bundles))
	for i, b := range bundles {
		out[i] = r.fetch(ctx, b)
	}
	return out
}

func (r *Retriever) fetch(ctx context.Context, b Bundle) Bundle {
	count, err := r.probe(ctx, b)
	if err != nil {
		r.warn(b, "probe", err)
		return b
	}
	b.Count = count
	if count < 0 {
		r.warn(b, "probe", fmt.Errorf("%s does not exist: %w", b.RemotePath, ErrEmpty))
		return b
	}
	if count == 0 {
		r.warn(b, "probe", fmt.Errorf("%s is empty: %w", b.RemotePath, ErrEmpty))
		return b
	}

	files, err := r.transfer(ctx, b)
	b.Files = files
	if err != nil {
		r.warn(b, "transfer", err)
		return b
	}
	r.Log.Info("artifacts retrieved",
		zap.String("bundle", b.Name),
		zap.String("node", b.Host),
		zap.Int("files", files),
		zap.String("dest", b.LocalPath))
	return b
}

func (r *Retriever) warn(b Bundle, op string, err error) {
	r.Ledger.Warn(fault.Warning{Kind: fault.RetrievalWarning, Node: b.Host, Op: op + " " + b.Name, Err: err})
}

// probe prints -1 for a missing path, otherwise the regular file count.
func (r *Retriever) probe(ctx context.Context, b Bundle) (int, error) {
	q := shellquote.Join(b.RemotePath)
	cmd := fmt.Sprintf("if [ -d %s ]; then find %s -type f | wc -l; else echo -1; fi", q, q)
	res, err := transport.Run(ctx, r.Transport, b.Host, cmd)
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(res.Last())
	if err != nil {
		return 0, fmt.Errorf("unexpected probe output %q", res.Last())
	}
	return n, nil
}

func (r *Retriever) transfer(ctx context.Context, b Bundle) (int, error) {
	if err := os.MkdirAll(b.LocalPath, 0o755); err != nil {
		return 0, err
	}

	pr, pw := io.Pipe()
	type result struct {
		n   int
		err error
	}
	done := make(chan result, 1)
	go func() {
		n, err := archive.Unpack(pr, b.LocalPath)
		// drain so the remote side is not blocked on a full pipe
		_, _ = io.Copy(io.Discard, pr)
		pr.CloseWithError(err)
		done <- result{n, err}
	}()

	cmd := "tar -C " + shellquote.Join(b.RemotePath) + " -czf - ."
	err := r.Transport.Exec(ctx, transport.Cmd{Host: b.Host, Command: cmd, Stdout: pw})
	pw.CloseWithError(err)
	res := <-done

	if err != nil {
		return res.n, err
	}
	return res.n, res.err
}

// Metadata is what a workload may leave in metadata.json of its output directory.
type Metadata struct {
	Checkpoint string         `json:"checkpoint"`
	Eval       map[string]any `json:"eval,omitempty"`
}

// ReadMetadata loads dir/metadata.json.
func ReadMetadata(dir string) (*Metadata, error) {
	data, err := os.ReadFile(filepath.Join(dir, "metadata.json"))
	if err != nil {
		return nil, err
	}
	var m Metadata
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse metadata.json: %w", err)
	}
	return &m, nil
}

// Command schema writes the JSON schema of the queue envelope and of every payload
// variant, so producers outside this repo can validate what they enqueue.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"

	"basegraph.app/syncrelay/internal/queue"
)

func main() {
	out := flag.String("out", "", "directory to write <type>.schema.json files into; stdout when empty")
	flag.Parse()

	if err := run(*out); err != nil {
		fmt.Fprintf(os.Stderr, "schema: %+v\n", err)
		os.Exit(1)
	}
}

func run(dir string) error {
	schemas := map[string]any{"envelope": queue.EnvelopeSchema()}
	for t, s := range queue.Schemas() {
		schemas[string(t)] = s
	}

	if dir == "" {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return errors.Wrap(enc.Encode(schemas), "encoding schemas")
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "creating %s", dir)
	}
	for name, s := range schemas {
		b, err := json.MarshalIndent(s, "", "  ")
		if err != nil {
			return errors.Wrapf(err, "encoding %s schema", name)
		}
		path := filepath.Join(dir, name+".schema.json")
		if err := os.WriteFile(path, append(b, '\n'), 0o644); err != nil {
			return errors.Wrapf(err, "writing %s", path)
		}
	}
	return nil
}

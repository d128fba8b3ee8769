package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/ragorch/internal/vectorstore"
)

const maxIndexLine = 4 * 1024 * 1024

var indexCmd = &cobra.Command{
	Use:   "index <file>",
	Short: "Embed and store entities from a JSON or JSON Lines file",
	Long: `Embed and store entities. The file holds either a JSON array or one JSON
object per line, each with entityType, entityId, content and optional
metadata. Re-indexing an entity replaces it. Use "-" to read stdin.

Example:
  {"entityType":"product","entityId":"p-1","content":"Carbon road bike","metadata":{"price":2499}}`,
	Args: cobra.ExactArgs(1),
	RunE: runIndex,
}

func runIndex(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	var r io.Reader = cmd.InOrStdin()
	if args[0] != "-" {
		f, err := os.Open(args[0])
		if err != nil {
			return fmt.Errorf("failed to open %s: %w", args[0], err)
		}
		defer f.Close()
		r = f
	}
	entities, err := readEntities(r)
	if err != nil {
		return err
	}
	if len(entities) == 0 {
		return fmt.Errorf("no entities to index")
	}

	a, err := newApp(ctx, configPath)
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.initStore(ctx); err != nil {
		return err
	}

	items := make([]vectorstore.Indexable, len(entities))
	for i, e := range entities {
		items[i] = e
	}
	ids, err := a.indexer.Index(ctx, items...)
	if err != nil {
		return fmt.Errorf("indexing failed: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "indexed %d entities\n", len(ids))
	return nil
}

// readEntities accepts a JSON array or JSON Lines. Blank lines are skipped.
func readEntities(r io.Reader) ([]vectorstore.Entity, error) {
	br := bufio.NewReader(r)
	first, err := peekNonSpace(br)
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read input: %w", err)
	}

	if first == '[' {
		var entities []vectorstore.Entity
		if err := json.NewDecoder(br).Decode(&entities); err != nil {
			return nil, fmt.Errorf("invalid JSON array: %w", err)
		}
		return entities, nil
	}

	var entities []vectorstore.Entity
	scanner := bufio.NewScanner(br)
	scanner.Buffer(make([]byte, 64*1024), maxIndexLine)
	line := 0
	for scanner.Scan() {
		line++
		text := bytes.TrimSpace(scanner.Bytes())
		if len(text) == 0 {
			continue
		}
		var e vectorstore.Entity
		if err := json.Unmarshal(text, &e); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		entities = append(entities, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read input: %w", err)
	}
	return entities, nil
}

func peekNonSpace(br *bufio.Reader) (byte, error) {
	for {
		b, err := br.ReadByte()
		if err != nil {
			return 0, err
		}
		switch b {
		case ' ', '\t', '\r', '\n':
			continue
		}
		return b, br.UnreadByte()
	}
}

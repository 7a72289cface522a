// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianModelServer/services/modelstore/objectstore"
)

func newLoadCmd(rt *runtime) *cobra.Command {
	var dataPath, comment string

	cmd := &cobra.Command{
		Use:   "load",
		Short: "Commit objects from a JSON file as a new revision",
		Long: `Reads objects from --data and commits them as one revision. The file
holds either a JSON array of objects or one object per line:

  {"oid": 10, "type": "Storey", "refs": {"Contains": [1, 2]}}

Every object is checked against the schema before anything is written.`,
		Args: cobra.NoArgs,
	}
	cmd.Flags().StringVar(&dataPath, "data", "", "objects file, or - for stdin")
	cmd.Flags().StringVar(&comment, "comment", "", "revision comment (defaults to the file name)")
	_ = cmd.MarkFlagRequired("data")

	cmd.RunE = rt.withService(func(cmd *cobra.Command, args []string) error {
		data, err := readInput(cmd, dataPath)
		if err != nil {
			return err
		}
		objs, err := decodeObjects(data)
		if err != nil {
			return fmt.Errorf("decode %s: %w", dataPath, err)
		}
		if comment == "" && dataPath != "-" {
			comment = filepath.Base(dataPath)
		}

		rid, err := rt.svc.Load(cmd.Context(), comment, objs)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "committed revision %d (%d objects)\n", rid, len(objs))
		return nil
	})
	return cmd
}

func newRevisionsCmd(rt *runtime) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "revisions",
		Short: "List committed revisions",
		Args:  cobra.NoArgs,
	}
	cmd.RunE = rt.withService(func(cmd *cobra.Command, args []string) error {
		revs, err := rt.svc.Revisions(cmd.Context())
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "REVISION\tOBJECTS\tCOMMITTED\tCOMMENT")
		for _, r := range revs {
			fmt.Fprintf(w, "%d\t%d\t%s\t%s\n", r.ID, r.Objects, r.Committed.Format(time.RFC3339), r.Comment)
		}
		return w.Flush()
	})
	return cmd
}

// readInput reads path, or the command's stdin for "-". An interactive
// terminal on stdin is refused instead of waiting for input forever.
func readInput(cmd *cobra.Command, path string) ([]byte, error) {
	if path == "-" {
		in := cmd.InOrStdin()
		if f, ok := in.(*os.File); ok && (isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())) {
			return nil, errors.New("stdin is a terminal; pipe the input or pass a file path")
		}
		return io.ReadAll(in)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return data, nil
}

// decodeObjects accepts a JSON array of objects or a stream of objects.
// Unknown keys are rejected so typos in "refs" or "attrs" surface early.
func decodeObjects(data []byte) ([]*objectstore.Object, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, errors.New("no objects")
	}

	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.DisallowUnknownFields()

	if trimmed[0] == '[' {
		var objs []*objectstore.Object
		if err := dec.Decode(&objs); err != nil {
			return nil, err
		}
		if dec.More() {
			return nil, errors.New("trailing data after object array")
		}
		if len(objs) == 0 {
			return nil, errors.New("no objects")
		}
		return objs, nil
	}

	var objs []*objectstore.Object
	for {
		var o objectstore.Object
		err := dec.Decode(&o)
		if errors.Is(err, io.EOF) {
			return objs, nil
		}
		if err != nil {
			return nil, fmt.Errorf("object %d: %w", len(objs)+1, err)
		}
		objs = append(objs, &o)
	}
}

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
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianModelServer/services/modelstore"
	"github.com/AleutianAI/AleutianModelServer/services/modelstore/objectstore"
)

func newQueryCmd(rt *runtime) *cobra.Command {
	var (
		revision   int64
		rootArgs   []string
		queryPaths []string
		outPath    string
	)

	cmd := &cobra.Command{
		Use:   "query",
		Short: "Run query documents and print the objects as JSON lines",
		Long: `Runs one or more query documents against a snapshot of the store and
writes every object reached, once, as a JSON line.

The root set is --roots when given, otherwise the members of --revision.
Every root is written, so without --roots a query over a revision returns
the whole revision plus whatever its includes reach; "types" queries add
objects but never filter the roots out. Pass --roots to start from a few
objects instead. Queries only run when the root set is non-empty.

--revision also scopes type scans. Several --query flags run concurrently
and share the output.`,
		Args: cobra.NoArgs,
	}
	cmd.Flags().Int64Var(&revision, "revision", 0, "revision to query (0 = whole store)")
	cmd.Flags().StringSliceVar(&rootArgs, "roots", nil, "comma separated root oids")
	cmd.Flags().StringSliceVar(&queryPaths, "query", nil, "query document file, or - for stdin (repeatable)")
	cmd.Flags().StringVar(&outPath, "out", "", "output file (default stdout)")
	_ = cmd.MarkFlagRequired("query")

	cmd.RunE = rt.withService(func(cmd *cobra.Command, args []string) error {
		var roots []objectstore.OID
		if cmd.Flags().Changed("roots") {
			parsed, err := parseRoots(rootArgs)
			if err != nil {
				return err
			}
			roots = parsed
		}

		reqs := make([]modelstore.Request, 0, len(queryPaths))
		for _, p := range queryPaths {
			data, err := readInput(cmd, p)
			if err != nil {
				return err
			}
			reqs = append(reqs, modelstore.Request{Revision: revision, Roots: roots, Query: data})
		}

		var out io.Writer = cmd.OutOrStdout()
		if outPath != "" {
			f, err := os.Create(outPath)
			if err != nil {
				return fmt.Errorf("create %s: %w", outPath, err)
			}
			defer f.Close()
			out = f
		}
		sink := modelstore.NewJSONLinesSink(out)

		var results []modelstore.Result
		var err error
		if len(reqs) == 1 {
			var res modelstore.Result
			res, err = rt.svc.Query(cmd.Context(), reqs[0], sink)
			results = []modelstore.Result{res}
		} else {
			results, err = rt.svc.QueryBatch(cmd.Context(), reqs, func(int) modelstore.Sink { return sink })
		}
		printSummary(cmd.ErrOrStderr(), queryPaths, results)
		return err
	})
	return cmd
}

func parseRoots(args []string) ([]objectstore.OID, error) {
	roots := make([]objectstore.OID, 0, len(args))
	for _, a := range args {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		oid, err := objectstore.ParseOID(a)
		if err != nil {
			return nil, fmt.Errorf("--roots: %w", err)
		}
		roots = append(roots, oid)
	}
	return roots, nil
}

func printSummary(w io.Writer, paths []string, results []modelstore.Result) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "QUERY\tID\tROOTS\tOBJECTS\tREADS\tSTEPS\tELAPSED")
	for i, r := range results {
		if r.QueryID == "" {
			continue
		}
		var reads, steps int64
		if r.Diagnostics != nil {
			reads, steps = r.Diagnostics.Reads, r.Diagnostics.FramesProcessed
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%d\t%s\n", paths[i], r.QueryID, r.Roots, r.Objects, reads, steps, r.Elapsed)
	}
	_ = tw.Flush()
}

func newSchemaCmd(rt *runtime) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schema",
		Short: "Print the registered types and their fields",
		Args:  cobra.NoArgs,
	}
	cmd.RunE = rt.withService(func(cmd *cobra.Command, args []string) error {
		reg := rt.svc.Registry()
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "TYPE\tSUPER\tABSTRACT\tFIELDS")
		for _, name := range reg.Types() {
			t, _ := reg.Type(name)
			fields := make([]string, 0, len(t.Fields))
			for _, f := range t.Fields {
				desc := f.Name + ":" + string(f.Kind)
				if f.Target != "" {
					desc += "->" + f.Target
				}
				fields = append(fields, desc)
			}
			sort.Strings(fields)
			super := t.Super
			if super == "" {
				super = "-"
			}
			fmt.Fprintf(w, "%s\t%s\t%t\t%s\n", name, super, t.Abstract, strings.Join(fields, " "))
		}
		return w.Flush()
	})
	return cmd
}

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"casegraph/internal/daemonrun"
	"casegraph/internal/graph"
)

func newGraphCommand(ctx *commandContext) *cobra.Command {
	graphCmd := &cobra.Command{
		Use:   "graph",
		Short: "Inspect the case knowledge graph",
	}
	graphCmd.AddCommand(newGraphNodesCommand(ctx))
	graphCmd.AddCommand(newGraphEdgesCommand(ctx))
	return graphCmd
}

func newGraphNodesCommand(ctx *commandContext) *cobra.Command {
	var prefix string
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "nodes",
		Short: "List graph nodes, optionally filtered by key prefix",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withGraphReader(ctx, cmd, func(runCtx context.Context, r graph.Reader) error {
				nodes, err := r.Nodes(runCtx, prefix)
				if err != nil {
					return err
				}
				return emit(cmd, asJSON, nodes, func() string {
					if len(nodes) == 0 {
						return "No nodes\n"
					}
					rows := make([][]string, 0, len(nodes))
					for _, n := range nodes {
						rows = append(rows, []string{n.Key, strings.Join(n.Labels, ","), compactProps(n.Properties)})
					}
					return renderTable([]string{"Key", "Labels", "Properties"}, rows, nil)
				})
			})
		},
	}
	cmd.Flags().StringVar(&prefix, "prefix", "", "Key prefix, e.g. document: or entity:<case>|")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON")
	return cmd
}

func newGraphEdgesCommand(ctx *commandContext) *cobra.Command {
	var relType string
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "edges",
		Short: "List graph edges, optionally of one relationship type",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withGraphReader(ctx, cmd, func(runCtx context.Context, r graph.Reader) error {
				edges, err := r.Edges(runCtx, strings.TrimSpace(relType))
				if err != nil {
					return err
				}
				return emit(cmd, asJSON, edges, func() string {
					if len(edges) == 0 {
						return "No edges\n"
					}
					rows := make([][]string, 0, len(edges))
					for _, e := range edges {
						rows = append(rows, []string{e.Source, e.Type, e.Target, compactProps(e.Properties)})
					}
					return renderTable([]string{"Source", "Type", "Target", "Properties"}, rows, nil)
				})
			})
		},
	}
	cmd.Flags().StringVar(&relType, "type", "", "Relationship type: MENTIONS, CROSS_DOC_MATCH, SHARES_ENTITY or an extracted type")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON")
	return cmd
}

func withGraphReader(ctx *commandContext, cmd *cobra.Command, fn func(context.Context, graph.Reader) error) error {
	return ctx.withComponents(cmd, true, func(runCtx context.Context, c *daemonrun.Components) error {
		r, ok := c.Sink.(graph.Reader)
		if !ok {
			return errors.New("the configured graph sink cannot be listed")
		}
		return fn(runCtx, r)
	})
}

func compactProps(props map[string]any) string {
	if len(props) == 0 {
		return ""
	}
	data, err := json.Marshal(props)
	if err != nil {
		return fmt.Sprint(props)
	}
	return string(data)
}

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"publishsync/internal/publish"
	"publishsync/internal/reconcile"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func (c *cli) decideCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "decide PATH",
		Short: "Decide the publish action for a module",
		Long: `Decide prints the publish action (none, incremental, full or remove)
for the module at PATH. With the default deep scope every module beneath PATH
is considered; a shallow decision looks at PATH alone.`,
		Example: `  publishsync decide shop
  publishsync decide shop/web --scope shallow --kind incremental
  publishsync decide shop --format json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := publish.ParsePath(args[0])
			if err != nil {
				return err
			}
			kind, err := kindFlag(cmd)
			if err != nil {
				return err
			}
			scopeFlag, _ := cmd.Flags().GetString("scope")
			scope, err := reconcile.ParseScope(scopeFlag)
			if err != nil {
				return err
			}

			s, err := c.openStack(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()

			res, err := s.svc.Decide(cmd.Context(), reconcile.Request{Path: path, Kind: kind, Scope: scope})
			if err != nil {
				return err
			}
			return c.render(cmd.OutOrStdout(), res, func(w io.Writer) {
				fmt.Fprintf(w, "%s: %s", res.Path, res.Decision)
				if res.Delegate != "" {
					fmt.Fprintf(w, " (by %s)", res.Delegate)
				}
				fmt.Fprintln(w)
			})
		},
	}
	addKindFlag(cmd)
	cmd.Flags().String("scope", string(reconcile.ScopeDeep), "Decision scope (deep, shallow)")
	return cmd
}

func (c *cli) planCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plan PATH",
		Short: "Show the per-module breakdown of a deep decision",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := publish.ParsePath(args[0])
			if err != nil {
				return err
			}
			kind, err := kindFlag(cmd)
			if err != nil {
				return err
			}

			s, err := c.openStack(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()

			plan, err := s.svc.Plan(cmd.Context(), path, kind)
			if err != nil {
				return err
			}
			return c.render(cmd.OutOrStdout(), plan, func(w io.Writer) {
				writePlan(w, plan)
			})
		},
	}
	addKindFlag(cmd)
	return cmd
}

func writePlan(w io.Writer, plan *reconcile.PlanResult) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "MODULE\tLIVE\tCHANGE\tSTATE\tDECISION")
	for _, n := range plan.Nodes {
		state := string(n.State)
		if state == "" {
			state = "-"
		}
		fmt.Fprintf(tw, "%s\t%t\t%s\t%s\t%s\n", n.Path, n.Live, n.Change, state, n.Decision)
	}
	tw.Flush()

	fmt.Fprintf(w, "\n%s: %s", plan.Root, plan.Decision)
	switch {
	case plan.ShortCircuited:
		fmt.Fprint(w, " (module removed)")
	case plan.StructureChanged:
		fmt.Fprint(w, " (modules added or removed)")
	}
	if plan.Delegate != "" {
		fmt.Fprintf(w, " (by %s)", plan.Delegate)
	}
	fmt.Fprintln(w)
}

func (c *cli) structureCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "structure PATH",
		Short: "Report whether modules were added or removed beneath a module",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := publish.ParsePath(args[0])
			if err != nil {
				return err
			}

			s, err := c.openStack(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()

			changed, err := s.svc.StructureChanged(cmd.Context(), path)
			if err != nil {
				return err
			}
			out := struct {
				Path    publish.Path `json:"path"`
				Changed bool         `json:"changed"`
			}{path, changed}
			return c.render(cmd.OutOrStdout(), out, func(w io.Writer) {
				if changed {
					fmt.Fprintf(w, "%s: structure changed\n", path)
				} else {
					fmt.Fprintf(w, "%s: structure unchanged\n", path)
				}
			})
		},
	}
}

func (c *cli) commitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "commit PATH",
		Short: "Record that a module subtree was published as it is now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := publish.ParsePath(args[0])
			if err != nil {
				return err
			}

			s, err := c.openStack(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()

			res, err := s.svc.Commit(cmd.Context(), path)
			if err != nil {
				return err
			}
			return c.render(cmd.OutOrStdout(), res, func(w io.Writer) {
				fmt.Fprintf(w, "%s: recorded %d, forgot %d\n", path, res.Recorded, res.Forgotten)
			})
		},
	}
}

func (c *cli) markFullCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mark-full PATH",
		Short: "Force the next publish of a module to be full",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := publish.ParsePath(args[0])
			if err != nil {
				return err
			}

			s, err := c.openStack(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()

			if err := s.svc.MarkFull(cmd.Context(), path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: marked for full publish\n", path)
			return nil
		},
	}
}

func addKindFlag(cmd *cobra.Command) {
	cmd.Flags().StringP("kind", "k", string(publish.KindAuto), "Requested publish kind (auto, incremental, full, clean)")
}

func kindFlag(cmd *cobra.Command) (publish.Kind, error) {
	s, _ := cmd.Flags().GetString("kind")
	return publish.ParseKind(s)
}

// render writes v as indented JSON with --format json, and calls text
// otherwise.
func (c *cli) render(w io.Writer, v any, text func(io.Writer)) error {
	switch format := c.v.GetString("format"); format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "text", "":
		text(w)
		return nil
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
}

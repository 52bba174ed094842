package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"volt-migrate/internal/apply"
	"volt-migrate/internal/cleanup"
	"volt-migrate/internal/discover"
	"volt-migrate/internal/entity"
	"volt-migrate/internal/ledger"
	"volt-migrate/internal/plan"
)

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printPlan(w io.Writer, p *plan.Plan) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "KIND\tSTEPS\tVERIFIED\tADOPT\tEXCLUDED")
	for _, kind := range entity.Kinds {
		c, ok := p.Counts.Kinds[kind]
		if !ok {
			continue
		}
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\n", kind, c.Steps, c.AlreadyVerified, c.Adopt, c.Excluded)
	}
	fmt.Fprintf(tw, "TOTAL\t%d\t\t\t\n", p.Counts.Total)
	if err := tw.Flush(); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "inputHash=%s prefix=%q unresolved=%d\n",
		p.InputHash, p.Prefix, p.Counts.UnresolvedReferences)
	return err
}

func printResult(w io.Writer, r *apply.Result) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "KIND\tCREATED\tADOPTED\tVERIFIED\tSKIPPED\tFAILED\tNOT RUN")
	row := func(name string, s apply.KindStats) {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%d\t%d\n",
			name, s.Created, s.Adopted, s.Verified, s.Skipped, s.Failed, s.NotRun)
	}
	for _, kind := range entity.Kinds {
		if s, ok := r.Stats[kind]; ok {
			row(string(kind), *s)
		}
	}
	row("TOTAL", r.Totals)
	if err := tw.Flush(); err != nil {
		return err
	}

	for _, s := range r.Steps {
		if s.Outcome == apply.OutcomeFailed {
			fmt.Fprintf(w, "FAILED %s/%s [%s] %s\n", s.Kind, s.SourceKey, s.ErrorKind, s.Message)
		}
	}
	if r.Cancelled {
		fmt.Fprintln(w, "运行已取消，剩余步骤未执行")
	}
	_, err := fmt.Fprintf(w, "runId=%s\n", r.RunID)
	return err
}

func printStats(w io.Writer, s ledger.Stats) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "KIND\tCREATED\tADOPTED\tVERIFIED\tSKIPPED\tFAILED")
	row := func(name string, k ledger.KindStats) {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%d\n", name, k.Created, k.Adopted, k.Verified, k.Skipped, k.Failed)
	}
	for _, kind := range entity.Kinds {
		if k, ok := s.Kinds[kind]; ok {
			row(string(kind), *k)
		}
	}
	row("TOTAL", s.Totals)
	if err := tw.Flush(); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "runId=%s\n", s.RunID)
	return err
}

func printSnapshot(w io.Writer, snap *discover.Snapshot) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ENDPOINT\tSTATUS\tCOUNT\tTEST\tERROR")
	for _, ep := range snap.Summary.Endpoints {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\n",
			ep.Endpoint, ep.Status, ep.Count, snap.Summary.TestPrefixed[ep.Kind], ep.Error)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "total=%d\n", snap.Summary.Total)
	return err
}

func printCleanup(w io.Writer, r *cleanup.Report) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "KIND\tORIGIN\tREMOTE ID\tEXTERNAL ID\tRESULT")
	for _, it := range r.Items {
		result := "pending"
		switch {
		case it.Error != "":
			result = "error: " + it.Error
		case it.Deleted:
			result = "deleted"
		case r.DryRun:
			result = "dry-run"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", it.Kind, it.Origin, it.RemoteID, it.ExternalID, result)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "prefix=%s found=%d deleted=%d failed=%d\n", r.Prefix, r.Found, r.Deleted, r.Failed)
	return err
}

package pipeline

import (
	"fmt"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"kubegems.io/onnxq/pkg/index"
	"kubegems.io/onnxq/pkg/locator"
	"kubegems.io/onnxq/pkg/types"
	"kubegems.io/onnxq/pkg/units"
)

func (o *Orchestrator) newTable() table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(o.Out)
	t.SetStyle(table.StyleLight)
	return t
}

func (o *Orchestrator) printReport(report *Report) {
	fmt.Fprintln(o.Out)
	t := o.newTable()
	t.AppendHeader(table.Row{"Model", "State", "FP32", "INT8", "Reduction", "Note"})
	for _, m := range report.Models {
		paths := o.Locator.Resolve(m.Name)
		in, out := units.BytesOf(paths.Input), units.BytesOf(paths.Quantized)
		t.AppendRow(table.Row{m.Name, m.State, formatMB(in), formatMB(out), formatReduction(in, out), note(m)})
	}
	t.Render()
	o.printTotals(report.Summary)
}

func (o *Orchestrator) printTotals(summary types.RunSummary) {
	t := o.newTable()
	t.SetTitle("Size Summary")
	t.AppendRow(table.Row{"Total FP32 size", fmt.Sprintf("%.1f MB", units.ToMegabytes(summary.TotalInputBytes))})
	t.AppendRow(table.Row{"Total INT8 size", fmt.Sprintf("%.1f MB", units.ToMegabytes(summary.TotalOutputBytes))})
	if summary.TotalOutputBytes > 0 {
		t.AppendRow(table.Row{"Overall reduction", formatReduction(summary.TotalInputBytes, summary.TotalOutputBytes)})
	}
	if summary.Attempted > 0 {
		t.AppendRow(table.Row{"Succeeded", summary.Succeeded})
		t.AppendRow(table.Row{"Skipped", summary.Skipped})
		t.AppendRow(table.Row{"Failed", summary.Failed})
	}
	if len(summary.Regressions) > 0 {
		t.AppendRow(table.Row{"Larger than source", strings.Join(summary.Regressions, ", ")})
	}
	t.Render()
}

func (o *Orchestrator) printListing(b *index.Builder, idx types.Index, names []string, withDigest bool) {
	t := o.newTable()
	header := table.Row{"Model", "FP32", "INT8", "Status", "Alias"}
	if withDigest {
		header = append(header, "INT8 Digest")
	}
	t.AppendHeader(header)
	for _, name := range names {
		paths := o.Locator.Resolve(name)
		in, out := units.BytesOf(paths.Input), units.BytesOf(paths.Quantized)

		status := "not quantized"
		if _, ok := idx.Find(b.Name(paths.Quantized)); ok {
			status = "quantized"
		}
		if _, ok := idx.Find(b.Name(paths.Input)); !ok {
			status = "missing " + locator.ModelFileName
		}
		aliasTarget := "-"
		if desc, ok := idx.Find(b.Name(paths.Alias)); ok {
			aliasTarget = desc.Annotations[index.AnnotationAliasTarget]
		}
		row := table.Row{name, formatMB(in), formatMB(out), status, aliasTarget}
		if withDigest {
			d := "-"
			if desc, ok := idx.Find(b.Name(paths.Quantized)); ok && desc.Digest != "" {
				d = desc.Digest.String()
			}
			row = append(row, d)
		}
		t.AppendRow(row)
	}
	t.Render()
}

func note(m ModelResult) string {
	switch {
	case m.Err != nil:
		return m.Err.Error()
	case m.Stage != nil && m.Stage.Degraded:
		return "quantized without preprocessing"
	case m.Stage != nil && m.Stage.Regressed:
		return "larger than source"
	case m.AliasTarget != "":
		return "alias -> " + m.AliasTarget
	case m.Verification != nil && m.Verification.Loaded:
		return fmt.Sprintf("%d inputs, %d outputs", len(m.Verification.Inputs), len(m.Verification.Outputs))
	}
	return ""
}

func formatMB(size int64) string {
	if size == 0 {
		return "-"
	}
	return fmt.Sprintf("%.1f MB", units.ToMegabytes(size))
}

func formatReduction(in, out int64) string {
	if out == 0 {
		return "-"
	}
	percent, ok := units.ReductionPercent(float64(in), float64(out))
	if !ok {
		return "-"
	}
	return fmt.Sprintf("%.1f%%", percent)
}

package commands

import (
	"bytes"
	"testing"

	"github.com/bartekus/promptchain/pkg/runner"
)

func TestPrintRunList_FormatsTabSeparatedRows(t *testing.T) {
	cmd := NewRunsCommand()
	buf := &bytes.Buffer{}
	cmd.SetOut(buf)

	printRunList(cmd, []runner.RunRecord{
		{RunID: "20260101-000000-aaa", PipelineName: "demo", Status: "completed"},
	})

	got := buf.String()
	want := "20260101-000000-aaa\tdemo\tcompleted\n"
	if got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}

func TestPrintRunDetail_IncludesStageStatuses(t *testing.T) {
	cmd := NewRunsCommand()
	buf := &bytes.Buffer{}
	cmd.SetOut(buf)

	printRunDetail(cmd, runner.RunRecord{RunID: "run-1", PipelineName: "demo", Status: "failed"},
		map[string]string{"intro": "completed"})

	out := buf.String()
	for _, want := range []string{"run_id: run-1", "pipeline: demo", "status: failed", "intro: completed"} {
		if !bytes.Contains([]byte(out), []byte(want)) {
			t.Fatalf("expected output to contain %q, got %q", want, out)
		}
	}
}

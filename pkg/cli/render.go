package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/nimburion/redrive/pkg/queue"
	"github.com/nimburion/redrive/pkg/redrive"
)

const (
	msgNoFailedMessages = "No failed messages found in the dead letter queue"
	msgStopping         = "Stopping now because of the error above. Not all messages have been retried, run the command again to continue."
)

var nowFunc = time.Now

// formatBody indents bodies that are valid JSON and returns others unchanged.
func formatBody(body string) string {
	if !json.Valid([]byte(body)) {
		return body
	}
	var out bytes.Buffer
	if err := json.Indent(&out, []byte(body), "", "  "); err != nil {
		return body
	}
	return out.String()
}

func renderMessages(w io.Writer, name string, msgs []queue.Message) {
	if len(msgs) == 0 {
		fmt.Fprintln(w, msgNoFailedMessages)
		return
	}
	fmt.Fprintf(w, "%d messages found in the dead letter queue:\n", len(msgs))
	for _, m := range msgs {
		id := m.ID
		if id == "" {
			id = "?"
		}
		fmt.Fprintf(w, "Message #%s\n", id)
		fmt.Fprintln(w, formatBody(m.Body))
		fmt.Fprintln(w)
	}
	fmt.Fprintf(w, "Run `%s redrive` to retry all messages, or `%s purge` to delete those messages forever.\n", name, name)
}

func renderRedriveProgress(w io.Writer, p redrive.Progress) {
	fmt.Fprintf(w, "Moving failed messages from DLQ to the main queue to be retried (%d/%d)\n", p.TotalRetried, p.TotalFound)
}

func renderSummary(w io.Writer, summary redrive.Summary) {
	switch summary.State {
	case redrive.StateConverged:
		if summary.TotalFound == 0 {
			fmt.Fprintln(w, msgNoFailedMessages)
			return
		}
		fmt.Fprintf(w, "%d failed message(s) moved to the main queue to be retried\n", summary.TotalRetried)
	case redrive.StateExhausted:
		fmt.Fprintf(w, "%d failed message(s) moved to the main queue, then a round found messages but moved none of them.\n",
			summary.TotalRetried)
		fmt.Fprintln(w, msgStopping)
	case redrive.StateAborted:
		last := summary.LastRound
		fmt.Fprintln(w, "There were some errors:")
		if summary.TotalRetried > 0 {
			fmt.Fprintf(w, "%d failed messages have been successfully moved to the main queue to be retried.\n", summary.TotalRetried)
		}
		if last.NotRetried > 0 {
			fmt.Fprintf(w, "%d failed messages could not be retried. These messages are still in the dead letter queue.\n", last.NotRetried)
		}
		if last.RetriedNotDeleted > 0 {
			fmt.Fprintf(w, "%d failed messages were moved to the main queue, but were not deleted from the dead letter queue. "+
				"They will be retried in the main queue and are also still present in the dead letter queue.\n", last.RetriedNotDeleted)
		}
		fmt.Fprintln(w, msgStopping)
	}
}

// renderInterrupted reports what earlier rounds moved before an error stopped the loop.
func renderInterrupted(w io.Writer, summary redrive.Summary) {
	fmt.Fprintln(w, "There were some errors:")
	fmt.Fprintf(w, "%d failed messages have been successfully moved to the main queue to be retried before the error.\n",
		summary.TotalRetried)
	fmt.Fprintln(w, msgStopping)
}

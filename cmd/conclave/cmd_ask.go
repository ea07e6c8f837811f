package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"conclave/internal/pipeline"
	"conclave/internal/stream"

	"github.com/spf13/cobra"
)

var (
	askConversation string
	askStaged       bool
	askRender       bool
	askWidth        int
	askTimeout      time.Duration
)

// askCmd runs one question through the pipeline in-process
var askCmd = &cobra.Command{
	Use:   "ask [question]",
	Short: "Ask the council a question",
	Long: `Runs one question through every stage and prints stage progress to
stderr and the final answer to stdout.

With --staged the run pauses after each stage until Enter is pressed.
Interrupting (Ctrl+C) cancels the run.

Example:
  conclave ask --offline "what is a quorum?"
  conclave ask --render --staged "compare raft and paxos"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runAsk,
}

func init() {
	askCmd.Flags().StringVar(&askConversation, "conversation", "cli", "Conversation id")
	askCmd.Flags().BoolVar(&askStaged, "staged", false, "Pause after every stage")
	askCmd.Flags().BoolVar(&askRender, "render", false, "Render the final answer as markdown")
	askCmd.Flags().IntVar(&askWidth, "width", 100, "Word wrap width for --render")
	askCmd.Flags().DurationVar(&askTimeout, "timeout", 0, "Cancel the run after this long (0 = no limit)")
}

func runAsk(cmd *cobra.Command, args []string) error {
	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if askTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, askTimeout)
		defer cancel()
	}

	req := pipeline.Request{
		ConversationID: askConversation,
		Message:        strings.Join(args, " "),
	}
	if askStaged {
		req.Mode = pipeline.ModeStaged
	}

	h, err := a.ctrl.StartRun(ctx, req)
	if err != nil {
		return err
	}
	sub, err := a.ctrl.Subscribe(context.Background(), h.RunID(), true)
	if err != nil {
		return err
	}
	defer sub.Close()

	f := &follower{
		ctrl:   a.ctrl,
		runID:  h.RunID(),
		out:    cmd.OutOrStdout(),
		status: cmd.ErrOrStderr(),
		in:     bufio.NewReader(cmd.InOrStdin()),
		render: askRender,
		width:  askWidth,
	}
	return f.follow(ctx, sub.Events())
}

// follower prints one run's events to the terminal.
type follower struct {
	ctrl   *pipeline.Controller
	runID  string
	out    io.Writer // final answer
	status io.Writer // stage lines
	in     *bufio.Reader
	render bool
	width  int

	cancelled bool
	gapped    bool // deltas were dropped; the streamed answer is incomplete
}

func (f *follower) follow(ctx context.Context, events <-chan stream.Event) error {
	done := ctx.Done()
	for {
		select {
		case <-done:
			done = nil
			f.cancel()
		case ev, ok := <-events:
			if !ok {
				return fmt.Errorf("run %s: stream ended early", f.runID)
			}
			if finished, err := f.handle(ctx, ev); finished {
				return err
			}
		}
	}
}

func (f *follower) cancel() {
	if f.cancelled {
		return
	}
	f.cancelled = true
	if err := f.ctrl.CancelRun(f.runID); err == nil {
		fmt.Fprintln(f.status, dimStyle.Render("cancelling..."))
	}
}

// handle prints ev and reports whether it ended the run.
func (f *follower) handle(ctx context.Context, ev stream.Event) (bool, error) {
	if line := stageLine(ev); line != "" {
		fmt.Fprintln(f.status, line)
	}

	switch ev.Type {
	case stream.StageEnd:
		if ev.AwaitingResume {
			f.waitForEnter(ctx)
		}
	case stream.DeltaGap:
		f.gapped = true
	case stream.FinalAnswerDelta:
		if !f.render {
			fmt.Fprint(f.out, ev.Delta)
		}
	case stream.FinalAnswerEnd:
		switch {
		case f.render:
			fmt.Fprint(f.out, renderMarkdown(ev.FullResponse, f.width))
		case f.gapped:
			fmt.Fprintln(f.out)
			fmt.Fprintln(f.status, dimStyle.Render("stream skipped deltas, full answer follows"))
			fmt.Fprintln(f.out, ev.FullResponse)
		default:
			fmt.Fprintln(f.out)
		}
		summary := "confidence: " + ev.Confidence
		if ev.Usage != nil {
			summary += fmt.Sprintf(", %d tokens", ev.Usage.Total())
		}
		fmt.Fprintln(f.status, dimStyle.Render(summary))
	case stream.Error:
		return true, fmt.Errorf("run %s ended: %s", f.runID, ev.Code)
	case stream.Done:
		return true, nil
	}
	return false, nil
}

// waitForEnter resumes a paused run when a line is read. Cancellation wins.
func (f *follower) waitForEnter(ctx context.Context) {
	fmt.Fprint(f.status, dimStyle.Render("press Enter to continue "))
	line := make(chan struct{})
	go func() {
		_, _ = f.in.ReadString('\n')
		close(line)
	}()
	select {
	case <-line:
		if err := f.ctrl.ResumeRun(f.runID); err != nil {
			fmt.Fprintln(f.status, errorStyle.Render(err.Error()))
		}
	case <-ctx.Done():
		f.cancel()
	}
}

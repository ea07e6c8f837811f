package pipeline

import (
	"fmt"
	"strings"

	"conclave/internal/config"
	"conclave/internal/provider"
)

// Role briefs. Each stage sees the user's request plus the outputs of the
// stages it builds on.
const (
	analystPrompt = `You are the analyst. Restate what the user is actually asking,
list the constraints and unknowns, and name what a good answer must cover.`

	researcherPrompt = `You are the researcher. Gather the facts, definitions and
references the answer depends on. Flag anything uncertain.`

	creatorPrompt = `You are the creator. Write a complete first draft that answers
the request using the analysis and research.`

	criticPrompt = `You are the critic. Find errors, gaps and weak reasoning in the
draft. Be specific and actionable.`

	internalSynthPrompt = `You are the internal synthesizer. Merge the draft and the
critique into an improved answer.`

	reviewerPrompt = `You are an external reviewer. Review the proposed answer for
correctness and completeness. Reply with concrete corrections.`

	directorPrompt = `You are the director. Produce the final answer for the user from
the synthesized answer and the external reviews. Answer directly.`
)

var rolePrompts = map[string]string{
	RoleAnalyst:          analystPrompt,
	RoleResearcher:       researcherPrompt,
	RoleCreator:          creatorPrompt,
	RoleCritic:           criticPrompt,
	RoleInternalSynth:    internalSynthPrompt,
	RoleExternalReviewer: reviewerPrompt,
	RoleDirector:         directorPrompt,
}

// inputs lists the prior stages each role reads.
var inputs = map[string][]string{
	RoleAnalyst:          nil,
	RoleResearcher:       {config.StageUnderstand},
	RoleCreator:          {config.StageUnderstand, config.StageResearch},
	RoleCritic:           {config.StageUnderstand, config.StageDraft},
	RoleInternalSynth:    {config.StageDraft, config.StageCritique},
	RoleExternalReviewer: {config.StageInternalSynthesis},
	RoleDirector:         {config.StageInternalSynthesis, ReviewStageID},
}

// buildMessages assembles the conversation sent for one stage. The user's
// message is always the last user turn so scripted backends echo it.
func buildMessages(role string, req Request, outputs map[string]string) []provider.Message {
	msgs := []provider.Message{{Role: "system", Content: rolePrompts[role]}}
	msgs = append(msgs, req.History...)

	var ctx strings.Builder
	for _, id := range inputs[role] {
		out, ok := outputs[id]
		if !ok || out == "" {
			continue
		}
		fmt.Fprintf(&ctx, "## %s\n%s\n\n", id, out)
	}
	if ctx.Len() > 0 {
		msgs = append(msgs, provider.Message{Role: "assistant", Content: strings.TrimSpace(ctx.String())})
	}

	msgs = append(msgs, provider.Message{Role: "user", Content: req.Message})
	return msgs
}

// requestMessages is the message set a request is coalesced on.
func requestMessages(req Request) []provider.Message {
	msgs := make([]provider.Message, 0, len(req.History)+2)
	msgs = append(msgs, provider.Message{Role: "mode", Content: string(req.Mode)})
	msgs = append(msgs, req.History...)
	return append(msgs, provider.Message{Role: "user", Content: req.Message})
}

// joinReviews formats the successful reviews for the director.
func joinReviews(reviews []string) string {
	var b strings.Builder
	for i, r := range reviews {
		if r == "" {
			continue
		}
		fmt.Fprintf(&b, "### review %d\n%s\n\n", i+1, r)
	}
	return strings.TrimSpace(b.String())
}

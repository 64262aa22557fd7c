package llm

import (
	"context"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

const (
	staticQualitySuffix  = "masterpiece, best quality, highly detailed"
	staticNegativePrompt = "worst quality, low quality, blurry, bad anatomy, bad hands, text, error, " +
		"missing fingers, extra digit, fewer digits, cropped, jpeg artifacts, " +
		"signature, watermark, username"
)

// StaticProposer derives a workable proposal directly from the instruction
// without any model call. Used as the degrade path when the language model is
// unavailable; parameters are left unset so resolver defaults apply.
type StaticProposer struct{}

func NewStaticProposer() *StaticProposer {
	return &StaticProposer{}
}

func (s *StaticProposer) Propose(ctx context.Context, req ProposeRequest) (*Proposal, error) {
	if prev := req.Previous; prev != nil {
		// Without a model there is nothing to merge; carry the previous
		// prompt and let the instruction ride along as a plain element.
		prompt := prev.Prompt
		if instr := strings.TrimSpace(req.Instruction); instr != "" {
			prompt = prompt + ", " + instr
		}
		return &Proposal{Prompt: prompt, NegativePrompt: prev.NegativePrompt}, nil
	}

	c := cases.Title(language.Und)
	subject := strings.TrimSpace(req.Instruction)
	if subject == "" {
		subject = "Untitled Scene"
	}
	parts := []string{subject, staticQualitySuffix}
	if len(parts[0]) < 40 {
		parts[0] = c.String(parts[0])
	}
	return &Proposal{
		Prompt:         strings.Join(parts, ", "),
		NegativePrompt: staticNegativePrompt,
	}, nil
}

var _ Proposer = (*StaticProposer)(nil)
var _ Proposer = (*OllamaProposer)(nil)

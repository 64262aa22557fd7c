package llm

import (
	"context"

	"genbot/internal/domain"
)

// Proposal is the language model's advisory output for one instruction. All
// parameter fields are optional; invalid values fall through at resolution.
type Proposal struct {
	Prompt         string
	NegativePrompt string
	Params         domain.SDParams
}

// ProposeRequest carries the instruction plus whatever context is available.
// Previous is set for refinement; Research for fresh generations that ran a
// research pass.
type ProposeRequest struct {
	Instruction  string
	Previous     *domain.GenerationMetadata
	Research     *domain.ResearchResult
	PromptSuffix string
}

// Proposer turns a natural-language instruction into a generation proposal.
type Proposer interface {
	Propose(ctx context.Context, req ProposeRequest) (*Proposal, error)
}

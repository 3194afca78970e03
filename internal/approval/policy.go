package approval

import (
	"strings"

	"relay/internal/types"
)

const (
	ProtocolOnRequest = "on-request"
	ProtocolNever     = "never"
)

// Policy is what an approval mode means on the wire and locally.
type Policy struct {
	// ApprovalPolicy is sent as approvalPolicy on thread/start and
	// thread/resume.
	ApprovalPolicy        string
	DeveloperInstructions string
	// TrustBypass allows trusted prefixes to skip the prompt.
	TrustBypass bool
	// AutoApprove answers every server request with accept.
	AutoApprove bool
	// OfferSimilar allows approve_similar decisions.
	OfferSimilar bool
}

var baseInstructions = []string{
	"Approval requirements for this client:",
	"- Never ask the user to approve actions by replying YES/NO in chat text.",
	"- Do not treat chat text as an approval signal.",
	"- For any command execution or file change that needs approval, rely on the built-in approval request;",
	"  the client pauses the turn and shows Approve/Reject controls.",
	"- Do not repeat the approval prompt in natural language.",
}

var strictInstructions = []string{
	"- Request approval before running any shell command, including read-only ones.",
}

func PolicyFor(mode types.ApprovalMode) Policy {
	switch mode {
	case types.ApprovalModeAlways:
		lines := append(append([]string{}, baseInstructions...), strictInstructions...)
		return Policy{
			ApprovalPolicy:        ProtocolOnRequest,
			DeveloperInstructions: strings.Join(lines, "\n") + "\n",
		}
	case types.ApprovalModeYolo:
		return Policy{
			ApprovalPolicy:        ProtocolNever,
			DeveloperInstructions: strings.Join(baseInstructions, "\n") + "\n",
			AutoApprove:           true,
		}
	default:
		return Policy{
			ApprovalPolicy:        ProtocolOnRequest,
			DeveloperInstructions: strings.Join(baseInstructions, "\n") + "\n",
			TrustBypass:           true,
			OfferSimilar:          true,
		}
	}
}

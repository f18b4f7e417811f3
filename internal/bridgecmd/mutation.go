package bridgecmd

// Command intents understood by the bridge.
const (
	IntentRunCommand      = "run_command"
	IntentAgentSetEnabled = "agent_set_enabled"
	IntentTriggerJob      = "trigger_job"
	IntentApproveRequest  = "approve_request"
)

// mutationPairs are consecutive CLI token pairs that mutate remote
// configuration and therefore require operator approval.
var mutationPairs = [][2]string{
	{"config", "set"},
	{"config", "unset"},
	{"agents", "add"},
	{"agents", "remove"},
	{"models", "add"},
	{"models", "remove"},
	{"channels", "set"},
	{"channels", "unbind"},
}

// HasMutationArgs reports whether the CLI args contain a mutating
// subcommand pair.
func HasMutationArgs(args []string) bool {
	for i := 0; i+1 < len(args); i++ {
		for _, pair := range mutationPairs {
			if args[i] == pair[0] && args[i+1] == pair[1] {
				return true
			}
		}
	}
	return false
}

// RequiresApproval decides the approval gate for an intent and its args.
// agent_set_enabled always requires approval; trigger_job and
// approve_request never do.
func RequiresApproval(intent string, args []string) bool {
	switch intent {
	case IntentAgentSetEnabled:
		return true
	case IntentTriggerJob, IntentApproveRequest:
		return false
	case IntentRunCommand:
		return HasMutationArgs(args)
	}
	return false
}

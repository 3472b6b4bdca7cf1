package cli

import (
	"sort"
	"strings"

	"github.com/spf13/cobra"
)

const (
	policiesAnnotationPrefix = "policies."
	defaultPolicyContext     = "run"
)

// CommandPolicy tells wrappers and operators how a command may be run.
type CommandPolicy string

const (
	// PolicyAlways marks read-only commands that are safe to run at any time.
	PolicyAlways CommandPolicy = "always"
	// PolicyOnDemand marks commands that change queues but lose nothing.
	PolicyOnDemand CommandPolicy = "on_demand"
	// PolicyManual marks destructive commands; they require confirmation.
	PolicyManual CommandPolicy = "manual"
)

// SetCommandPolicies stores policies as annotations using the "policies." prefix.
func SetCommandPolicies(cmd *cobra.Command, policies map[string]CommandPolicy) {
	if cmd == nil {
		return
	}
	if cmd.Annotations == nil {
		cmd.Annotations = make(map[string]string)
	}
	for _, key := range policyAnnotationKeys(cmd.Annotations) {
		delete(cmd.Annotations, key)
	}
	for context, policy := range policies {
		trimmedContext := strings.TrimSpace(context)
		if trimmedContext == "" {
			continue
		}
		cmd.Annotations[policiesAnnotationPrefix+trimmedContext] = string(policy)
	}
}

// GetCommandPolicies returns command policies from annotations.
func GetCommandPolicies(cmd *cobra.Command) map[string]string {
	out := map[string]string{}
	if cmd == nil {
		return out
	}
	for key, value := range cmd.Annotations {
		if !strings.HasPrefix(key, policiesAnnotationPrefix) {
			continue
		}
		context := strings.TrimPrefix(key, policiesAnnotationPrefix)
		if strings.TrimSpace(context) == "" {
			continue
		}
		out[context] = value
	}
	return out
}

func setRunPolicy(cmd *cobra.Command, policy CommandPolicy) *cobra.Command {
	SetCommandPolicies(cmd, map[string]CommandPolicy{defaultPolicyContext: policy})
	return cmd
}

func requiresConfirmation(cmd *cobra.Command) bool {
	return GetCommandPolicies(cmd)[defaultPolicyContext] == string(PolicyManual)
}

func policyAnnotationKeys(annotations map[string]string) []string {
	keys := make([]string, 0, len(annotations))
	for key := range annotations {
		if strings.HasPrefix(key, policiesAnnotationPrefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys
}

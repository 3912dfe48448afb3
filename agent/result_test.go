package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const fullAnalysis = `ROOT CAUSE: The container is terminating with exit code 137 (OOMKilled).

FINDINGS:
- Container restarts correlate with memory limit
- Logs contain java.lang.OutOfMemoryError
- Exit code 137 indicates the OOM killer

RECOMMENDATIONS:
- Raise the memory limit to 1Gi
- Set -Xmx to 75% of the limit

AUTO-FIX: yes
kubectl patch deployment api-server -n production --type merge -p '{"spec":{}}'`

func TestParseAnalysisFull(t *testing.T) {
	res := ParseAnalysis(fullAnalysis)

	assert.Contains(t, res.RootCause, "exit code 137")
	require.Len(t, res.Findings, 3)
	assert.Equal(t, "Logs contain java.lang.OutOfMemoryError", res.Findings[1])
	require.Len(t, res.Recommendations, 2)
	assert.True(t, res.CanAutoFix)
	assert.Contains(t, res.FixCommand, "kubectl patch deployment api-server")
	assert.GreaterOrEqual(t, res.Confidence, 0.9)
}

func TestParseAnalysisNoAutoFix(t *testing.T) {
	res := ParseAnalysis(`ROOT CAUSE: unclear.

AUTO-FIX: no`)
	assert.False(t, res.CanAutoFix)
	assert.Empty(t, res.FixCommand)
}

func TestParseAnalysisCaseVariants(t *testing.T) {
	res := ParseAnalysis(`Root Cause: disk full on node-3.

Findings:
• /var/lib filled by old images
• kubelet garbage collection disabled

Auto-Fix: no`)
	assert.Equal(t, "disk full on node-3.", res.RootCause)
	require.Len(t, res.Findings, 2)
	assert.Equal(t, "/var/lib filled by old images", res.Findings[0])
	assert.False(t, res.CanAutoFix)
}

func TestParseAnalysisUnstructuredText(t *testing.T) {
	res := ParseAnalysis("I could not reach a conclusion.")
	assert.Empty(t, res.RootCause)
	assert.Empty(t, res.Findings)
	assert.False(t, res.CanAutoFix)
	assert.LessOrEqual(t, res.Confidence, 0.3)
}

func TestParseAnalysisFindingsWithoutBullets(t *testing.T) {
	res := ParseAnalysis(`FINDINGS:
memory pressure on the node`)
	require.Len(t, res.Findings, 1)
	assert.Equal(t, "memory pressure on the node", res.Findings[0])
}

func TestConfidenceOrdering(t *testing.T) {
	full := ParseAnalysis(fullAnalysis)
	sparse := ParseAnalysis("ROOT CAUSE: something.\n\nAUTO-FIX: no")
	assert.Greater(t, full.Confidence, sparse.Confidence)
}

func TestSafetyCheckCommand(t *testing.T) {
	s := DefaultSafetyConfig()

	assert.NoError(t, s.CheckCommand("kubectl scale deployment api --replicas=3"))
	assert.Error(t, s.CheckCommand("rm -rf / --no-preserve-root"))
	assert.Error(t, s.CheckCommand("kubectl delete namespace production"))
	assert.Error(t, s.CheckCommand("kubectl delete pods --all -n production"))

	long := make([]byte, maxFixCommandLength+1)
	for i := range long {
		long[i] = 'a'
	}
	assert.Error(t, s.CheckCommand(string(long)))
}

func TestSafetyRequiresApproval(t *testing.T) {
	s := DefaultSafetyConfig()

	assert.True(t, s.RequiresApproval("kubectl delete pod api-7f9c"))
	assert.True(t, s.RequiresApproval("kubectl scale deployment api --replicas=6"))
	assert.True(t, s.RequiresApproval("kubectl patch deployment api -p '{}'"))
	assert.True(t, s.RequiresApproval("kubectl drain node-1"))
	assert.False(t, s.RequiresApproval("kubectl get pods"))
	assert.False(t, s.RequiresApproval("kubectl rollout restart deployment api"))
	// Anything that is not kubectl needs a human.
	assert.True(t, s.RequiresApproval("systemctl restart kubelet"))
}

package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func f(v float64) *float64 { return &v }

func TestValidateDistributionBoth(t *testing.T) {
	entry := ConfigurationSubject{
		TotalMarks:     100,
		PassingMarks:   40,
		TheoryMarks:    f(70),
		PracticalMarks: f(30),
	}
	require.NoError(t, entry.ValidateDistribution(SubjectBoth))

	entry.TheoryMarks = f(65)
	entry.PracticalMarks = f(28)
	err := entry.ValidateDistribution(SubjectBoth)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid marks distribution")
}

func TestValidateDistributionBothRequiresBothComponents(t *testing.T) {
	entry := ConfigurationSubject{
		TotalMarks:  100,
		TheoryMarks: f(100),
	}
	err := entry.ValidateDistribution(SubjectBoth)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "both theory and practical marks required")
}

func TestValidateDistributionTheoryOnly(t *testing.T) {
	entry := ConfigurationSubject{
		TotalMarks:  100,
		TheoryMarks: f(100),
	}
	require.NoError(t, entry.ValidateDistribution(SubjectTheory))

	entry.PracticalMarks = f(20)
	err := entry.ValidateDistribution(SubjectTheory)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "practical marks not allowed")

	entry = ConfigurationSubject{TotalMarks: 100, TheoryMarks: f(80)}
	err = entry.ValidateDistribution(SubjectTheory)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "theory marks must equal total")
}

func TestValidateDistributionPracticalOnly(t *testing.T) {
	entry := ConfigurationSubject{
		TotalMarks:     50,
		PracticalMarks: f(50),
	}
	require.NoError(t, entry.ValidateDistribution(SubjectPractical))

	entry.TheoryMarks = f(10)
	err := entry.ValidateDistribution(SubjectPractical)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "theory marks not allowed")
}

func TestValidateDistributionPassingBounds(t *testing.T) {
	entry := ConfigurationSubject{
		TotalMarks:   100,
		PassingMarks: 120,
		TheoryMarks:  f(100),
	}
	err := entry.ValidateDistribution(SubjectTheory)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "passing marks exceed total")

	entry = ConfigurationSubject{
		TotalMarks:         100,
		PassingMarks:       40,
		TheoryMarks:        f(70),
		PracticalMarks:     f(30),
		TheoryPassingMarks: f(75),
	}
	err = entry.ValidateDistribution(SubjectBoth)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "theory passing marks exceed theory marks")
}

func TestValidateDistributionUnknownType(t *testing.T) {
	entry := ConfigurationSubject{TotalMarks: 100}
	require.Error(t, entry.ValidateDistribution(SubjectType("ORAL")))
}

func TestSummaryLocked(t *testing.T) {
	assert.False(t, ExamMarkSummary{State: LockStateUnlocked}.Locked())
	assert.True(t, ExamMarkSummary{State: LockStateLocked}.Locked())
	assert.True(t, ExamMarkSummary{State: LockStateReviewed}.Locked())
}

func TestSubjectTypeValid(t *testing.T) {
	assert.True(t, SubjectTheory.Valid())
	assert.True(t, SubjectPractical.Valid())
	assert.True(t, SubjectBoth.Valid())
	assert.False(t, SubjectType("ORAL").Valid())
}

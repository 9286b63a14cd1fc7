package directory

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClassifyWrappedErrors(t *testing.T) {
	t.Parallel()

	base := errors.New("boom")

	require.Equal(t, ClassTransient, Classify(Transient(base)))
	require.Equal(t, ClassPermanentRecord, Classify(PermanentRecord(base)))
	require.Equal(t, ClassPermanentTarget, Classify(PermanentTarget(base)))
	require.Equal(t, ClassIntegrity, Classify(Integrity(base)))
}

func TestClassifySurvivesFurtherWrapping(t *testing.T) {
	t.Parallel()

	err := fmt.Errorf("fetch target: %w", PermanentTarget(errors.New("unresolvable location")))
	require.Equal(t, ClassPermanentTarget, Classify(err))
	require.False(t, IsIntegrity(err))
	require.True(t, IsIntegrity(Integrity(errors.New("duplicate external id"))))
}

func TestClassifyDefaultsToTransient(t *testing.T) {
	t.Parallel()

	require.Equal(t, ClassTransient, Classify(errors.New("connection reset")))
	require.Equal(t, ClassTransient, Classify(context.DeadlineExceeded))
}

func TestNamespacedID(t *testing.T) {
	t.Parallel()

	require.Equal(t, "map_search:abc", NamespacedID(SourceMapSearch, "abc"))
	require.Empty(t, NamespacedID(SourceMapSearch, ""))
}

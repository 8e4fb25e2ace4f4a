package table

import (
	"testing"

	"colonystats/testutil"
)

func TestNoStorageOrPresentationImports(t *testing.T) {
	testutil.AssertNoDirectImports(t, ".", testutil.CoreImport, "table is part of the numerical core")
}

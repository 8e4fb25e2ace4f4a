package model

import (
	"testing"

	"colonystats/testutil"
)

func TestNoStorageOrPresentationImports(t *testing.T) {
	testutil.AssertNoDirectImports(t, ".", testutil.CoreImport, "model is part of the numerical core")
}

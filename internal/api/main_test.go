package api

import (
	"os"
	"testing"

	"github.com/fruitsalade/peershare/internal/logging"
)

func TestMain(m *testing.M) {
	logging.InitNop()
	os.Exit(m.Run())
}

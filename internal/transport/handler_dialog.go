package transport

import (
	"net/http"

	"github.com/pitabwire/rekod/internal/update"
)

// handleDialogUpdate runs the same decision procedure as handleUpdate for
// submissions that originated inside a dialog. The flow substitutes dialog
// effects for redirects; everything else is identical.
func handleDialogUpdate(deps Dependencies) http.HandlerFunc {
	return updateHandler(deps, func(f *update.Flow) decideFunc { return f.DecideDialog })
}

package api

import (
	"errors"
	"log/slog"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/coderelay/relay/pkg/approval"
)

// mapApprovalError maps approval-layer errors to HTTP error responses.
func mapApprovalError(err error) *echo.HTTPError {
	if errors.Is(err, approval.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "no approval request for this issue")
	}
	if errors.Is(err, approval.ErrAlreadyResolved) {
		return echo.NewHTTPError(http.StatusConflict, "approval was already resolved with a different decision")
	}

	// Unexpected error
	slog.Error("Unexpected approval error", "error", err)
	return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
}

package main

import (
	"context"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/Eyemetric/gate_service/internal/api/capture"
	"github.com/Eyemetric/gate_service/internal/api/match"
	"github.com/Eyemetric/gate_service/internal/api/search"
	"github.com/Eyemetric/gate_service/internal/api/slots"
	"github.com/Eyemetric/gate_service/internal/errors"
	"github.com/Eyemetric/gate_service/internal/logger"
	"github.com/Eyemetric/gate_service/internal/repository"
	"github.com/Eyemetric/gate_service/internal/supervisor"
)

func registerRoutes(app *App) {
	app.Echo.GET("/health", app.health)

	http_api := app.Echo.Group("/api")
	http_api.GET("/gate/v1/status", app.status)
	http_api.POST("/gate/v1/sessions/search", app.search)
	http_api.GET("/gate/v1/sessions/:id", app.getSession)
	http_api.GET("/gate/v1/stats", app.stats)
	http_api.PUT("/gate/v1/slots/capacity", app.setCapacity)
	http_api.POST("/gate/v1/match/:id", app.verifyMatch)
	http_api.POST("/gate/v1/abort", app.abort)
	http_api.POST("/gate/v1/capture", app.addCapture)
	http_api.GET("/gate/v1/live", app.live)
}

func (app *App) health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

type statusRes struct {
	supervisor.Status
	Slots *repository.SlotCounter `json:"slots,omitempty"`
}

func (app *App) status(c echo.Context) error {
	res := statusRes{Status: app.Supervisor.Status()}
	cnt, err := app.Repo.GetSlotCounter(c.Request().Context())
	if err == nil {
		res.Slots = &cnt
	} else {
		app.log.Warnw("status without slot counter", logger.FieldError, err)
	}
	return c.JSON(http.StatusOK, res)
}

func (app *App) addCapture(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return c.JSON(http.StatusBadRequest, ErrorRes{
			Code:    "BAD_REQUEST",
			Message: "Could not read capture notification",
			Details: err.Error(),
		})
	}

	// the crossing outlives the request, so it gets the app context
	if err := capture.AddCapture(app.Context, body, app.Dispatcher); err != nil {
		status, code := capture.StatusFor(err)
		return c.JSON(status, ErrorRes{
			Code:    code,
			Message: "Capture rejected",
			Details: err.Error(),
		})
	}
	return c.JSON(http.StatusAccepted, map[string]string{"status": "accepted"})
}

/*
- receive a json SearchDoc (date range, gate, plate with % wildcards, is_out, paging),
- hand it to the repository which turns it into a query,
- post process: presign the face and plate images so the dashboard can show them
  without object store credentials,
- on page 1 also count the matches and report the page count; later pages report -1
  and the client keeps the count it got first.
*/
func (app *App) search(c echo.Context) error {
	ctx := c.Request().Context()

	searchDoc := search.SearchDoc{}
	if err := c.Bind(&searchDoc); err != nil {
		return c.JSON(http.StatusBadRequest, ErrorRes{
			Code:    "BAD_REQUEST",
			Message: "Bad Search Document",
			Details: "Couldn't parse SearchDoc. Check that the search values are correct",
		})
	}

	//limit max page size
	if searchDoc.PageSize > search.MaxPageSize {
		searchDoc.PageSize = search.MaxPageSize
	}

	records, err := app.Repo.SearchSessions(ctx, searchDoc)
	if err != nil {
		if errors.IsStoreFault(err) {
			return c.JSON(http.StatusInternalServerError, ErrorRes{
				Code:    "INTERNAL_SERVER_ERROR",
				Message: "Failed to execute query",
				Details: err.Error(),
			})
		}
		return c.JSON(http.StatusBadRequest, ErrorRes{
			Code:    "BAD_REQUEST",
			Message: "Bad Search Document",
			Details: err.Error(),
		})
	}
	if records == nil {
		records = []search.SessionRecord{}
	}

	for i := range records {
		records[i].FaceImg = app.presign(ctx, records[i].FaceUrl)
		records[i].PlateImg = app.presign(ctx, records[i].PlateUrl)
	}

	pageCount := int64(-1)
	if searchDoc.Page <= 1 {
		total, err := app.Repo.CountSessions(ctx, searchDoc)
		if err != nil {
			app.log.Warnw("count failed", logger.FieldError, err)
			total = 0
		}
		pageCount = int64(search.CalculateTotalPages(total, searchDoc.PageSize))
	}

	return c.JSON(http.StatusOK, search.SearchResults{
		Metadata:       search.Metadata{PageCount: pageCount},
		SessionRecords: records,
	})
}

// presign leaves the link empty when the reference cannot be signed.
func (app *App) presign(ctx context.Context, ref string) string {
	if ref == "" {
		return ""
	}
	u, err := app.Signer.ResolveURL(ctx, ref)
	if err != nil {
		app.log.Debugw("skipping presign", logger.FieldURL, ref, logger.FieldError, err)
		return ""
	}
	return u
}

func (app *App) getSession(c echo.Context) error {
	s, err := app.Repo.GetSession(c.Request().Context(), c.Param("id"))
	if err != nil {
		return app.storeError(c, err, "Could not load session")
	}
	return c.JSON(http.StatusOK, s)
}

func (app *App) stats(c echo.Context) error {
	st, err := app.Repo.Stats(c.Request().Context())
	if err != nil {
		return app.storeError(c, err, "Could not compute stats")
	}
	return c.JSON(http.StatusOK, st)
}

func (app *App) setCapacity(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return err
	}

	cnt, err := slots.SetCapacity(c.Request().Context(), body, app.Repo)
	if err != nil {
		if errors.IsAny(err, errors.ErrStoreFailure, errors.ErrConflict, errors.ErrNotFound) {
			return app.storeError(c, err, "Could not set capacity")
		}
		return c.JSON(http.StatusBadRequest, ErrorRes{
			Code:    "BAD_REQUEST",
			Message: "Bad capacity document",
			Details: err.Error(),
		})
	}
	return c.JSON(http.StatusOK, cnt)
}

func (app *App) verifyMatch(c echo.Context) error {
	req, changed, err := match.VerifyMatch(c.Request().Context(), c.Param("id"), app.Repo)
	if err != nil {
		return app.storeError(c, err, "Could not verify match")
	}
	return c.JSON(http.StatusOK, map[string]any{
		"request_id": req.ID,
		"session_id": req.SessionID,
		"is_match":   req.IsMatch,
		"changed":    changed,
	})
}

func (app *App) abort(c echo.Context) error {
	n := app.Supervisor.Abort()
	return c.JSON(http.StatusOK, map[string]int{"cancelled": n})
}

func (app *App) storeError(c echo.Context, err error, msg string) error {
	switch {
	case errors.Is(err, errors.ErrNotFound):
		return c.JSON(http.StatusNotFound, ErrorRes{Code: "NOT_FOUND", Message: msg, Details: err.Error()})
	case errors.Is(err, errors.ErrConflict):
		return c.JSON(http.StatusConflict, ErrorRes{Code: "CONFLICT", Message: msg, Details: err.Error()})
	default:
		app.log.Errorw(msg, logger.FieldError, err)
		return c.JSON(http.StatusInternalServerError, ErrorRes{Code: "INTERNAL_SERVER_ERROR", Message: msg, Details: err.Error()})
	}
}

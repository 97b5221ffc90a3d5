// Package logctx enriches slog records with request- and session-scoped
// attributes carried on the context, so handlers never thread loggers
// through call chains by hand.
package logctx

import (
	"context"
	"log/slog"
)

type Handler struct {
	slog.Handler
}

func (h Handler) Handle(ctx context.Context, r slog.Record) error {
	if rd, ok := ctx.Value(requestDataKey{}).(*RequestData); ok {
		r.AddAttrs(slog.Group("req",
			slog.String("id", rd.RequestID),
			slog.String("method", rd.Method),
			slog.String("user_agent", rd.UserAgent),
			slog.String("remote_addr", rd.RemoteAddr),
			slog.String("path", rd.Path),
		))
	}

	if ud, ok := ctx.Value(userDataKey{}).(*UserData); ok {
		r.AddAttrs(slog.Group("user",
			slog.Int64("fid", ud.FID),
		))
	}

	if gd, ok := ctx.Value(gameDataKey{}).(*GameData); ok {
		r.AddAttrs(slog.Group("game",
			slog.String("session_id", gd.SessionID),
		))
	}

	return h.Handler.Handle(ctx, r)
}

type requestDataKey struct{}

type RequestData struct {
	RequestID  string
	Method     string
	UserAgent  string
	RemoteAddr string
	Path       string
}

func WithRequestData(ctx context.Context, data *RequestData) context.Context {
	return context.WithValue(ctx, requestDataKey{}, data)
}

type userDataKey struct{}

type UserData struct {
	FID int64
}

func WithUserData(ctx context.Context, data *UserData) context.Context {
	return context.WithValue(ctx, userDataKey{}, data)
}

type gameDataKey struct{}

type GameData struct {
	SessionID string
}

func WithGameData(ctx context.Context, data *GameData) context.Context {
	return context.WithValue(ctx, gameDataKey{}, data)
}

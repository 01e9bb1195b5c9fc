package httpserver

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/chadiek/vision-demo/internal/config"
	"github.com/chadiek/vision-demo/internal/rtc"
)

// New builds the Echo server with the health route and the session
// signaling endpoint.
func New(cfg config.Config) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	e.GET("/healthz", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	h := rtc.NewHandler(cfg.VisionBaseURL, cfg.TargetLanguage).
		WithSTT(cfg.AssemblyAIKey).
		WithTTS(cfg.TTSProvider, cfg.DeepgramKey, cfg.DeepgramModel, cfg.ElevenLabsKey, cfg.ElevenLabsVoiceID)

	e.GET("/session", func(c echo.Context) error {
		h.ServeWebSocket(c.Response(), c.Request(), cfg.ICEServersJSON, cfg.AuthPassword)
		return nil
	})

	return e
}

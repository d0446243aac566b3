package formats

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/yourusername/media-forge/internal/apperr"
	"github.com/yourusername/media-forge/internal/engine"
)

// Handler は GET /api/formats のハンドラーを返します。
func Handler(resolver *Resolver, logger logrus.FieldLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		sourceURL := strings.TrimSpace(c.Query("url"))
		if !engine.IsSourceURL(sourceURL) {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": "url に http(s) のURLを指定してください。",
			})
			return
		}

		listing, err := resolver.Resolve(c.Request.Context(), sourceURL)
		if err != nil {
			logger.WithError(err).WithField("url", sourceURL).Error("format query failed")
			status := http.StatusInternalServerError
			if errors.Is(err, apperr.ErrUpstreamFailure) {
				status = http.StatusBadGateway
			}
			c.JSON(status, gin.H{
				"code":    "FORMAT_QUERY_FAILED",
				"message": apperr.PublicMessage(err, "フォーマット情報の取得に失敗しました。"),
			})
			return
		}

		c.JSON(http.StatusOK, listing)
	}
}

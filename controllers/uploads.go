package controllers

import (
	"fmt"
	"net/http"
	"path"

	"natakapi/models"
	"natakapi/services"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"gorm.io/gorm"
)

type UploadAssetIn struct {
	SourceURL string `json:"source_url" validate:"required,url,max=2000"`
	Kind      string `json:"kind" validate:"required,oneof=image video"`
}

type UploadAssetResponse struct {
	AssetID   uint    `json:"asset_id"`
	ObjectKey *string `json:"object_key,omitempty"`
	Mirrored  bool    `json:"mirrored"`
}

// UploadsController serves the browser extension: it pushes media URLs it
// found on a page and we mirror them into owned storage.
type UploadsController struct {
	AWSService services.AWSServiceProvider
}

func (controller *UploadsController) UploadRoutes(g *echo.Group) {
	g.POST("/upload", controller.UploadAsset)
}

func assetKey(userID uint, sourceURL, kind string) string {
	ext := path.Ext(sourceURL)
	if ext == "" || len(ext) > 5 {
		if kind == "video" {
			ext = ".mp4"
		} else {
			ext = ".png"
		}
	}
	return fmt.Sprintf("assets/%d/%s%s", userID, uuid.NewString(), ext)
}

func (controller *UploadsController) UploadAsset(c echo.Context) error {
	var req UploadAssetIn
	if err := c.Bind(&req); err != nil {
		fmt.Println(err)
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request body"})
	}
	if err := c.Validate(req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}
	user, ok := c.Get("currentUser").(models.UserAccount)
	if !ok {
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
	}
	db, ok := c.Get("__db").(*gorm.DB)
	if !ok {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Database connection error"})
	}

	asset := models.MediaAsset{
		OwnerID:   user.ID,
		SourceURL: req.SourceURL,
		Kind:      req.Kind,
	}

	// mirror is best effort: on failure the asset row still records the
	// source URL with mirrored=false. Scraped media goes through the
	// presigned upload path, which rejects content types outside the
	// allow-list.
	bucketName := services.GetEnv("R2_BUCKET_NAME", "")
	key := assetKey(user.ID, req.SourceURL, req.Kind)
	if err := controller.mirrorAsset(c, bucketName, key, req.SourceURL); err != nil {
		fmt.Printf("[Upload] Mirror failed for %s: %v\n", req.SourceURL, err)
		sentry.CaptureException(err)
	} else {
		asset.ObjectKey = &key
		asset.Mirrored = true
	}

	if err := db.Create(&asset).Error; err != nil {
		sentry.CaptureException(err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Failed to save asset"})
	}

	return c.JSON(http.StatusCreated, UploadAssetResponse{
		AssetID:   asset.ID,
		ObjectKey: asset.ObjectKey,
		Mirrored:  asset.Mirrored,
	})
}

func (controller *UploadsController) mirrorAsset(c echo.Context, bucketName, key, sourceURL string) error {
	content, err := services.ReadFileFromUrl(sourceURL)
	if err != nil {
		return err
	}
	uploadURL, err := controller.AWSService.PresignLink(c.Request().Context(), bucketName, key)
	if err != nil {
		return err
	}
	_, status, err := controller.AWSService.UploadToPresignedURL(c.Request().Context(), bucketName, uploadURL, content)
	if err != nil {
		return err
	}
	if status < 200 || status > 299 {
		return fmt.Errorf("presigned upload returned status %d", status)
	}
	return nil
}

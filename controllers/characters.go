package controllers

import (
	"errors"
	"fmt"
	"net/http"
	"sync"

	"natakapi/models"
	"natakapi/services"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"gorm.io/gorm"
)

type CreateCharacterIn struct {
	Name         string  `json:"name" validate:"required,max=100"`
	Description  *string `json:"description" validate:"omitempty,max=2000"`
	TriggerWords *string `json:"trigger_words" validate:"omitempty,max=300"`
	NSFW         bool    `json:"nsfw"`
}

type CharacterResponse struct {
	ID           uint    `json:"id"`
	Name         string  `json:"name"`
	Description  *string `json:"description,omitempty"`
	TriggerWords *string `json:"trigger_words,omitempty"`
	NSFW         bool    `json:"nsfw"`
	RefImageURL  *string `json:"ref_image_url,omitempty"`
	CreatedAt    string  `json:"created_at"`
}

type CharacterCreatedResponse struct {
	Character CharacterResponse `json:"character"`
	// client PUTs the reference image here, same flow as extension uploads
	UploadURL string `json:"upload_url"`
}

type CharactersController struct {
	AWSService services.AWSServiceProvider
	URLCache   services.URLCacheServiceProvider
}

func (controller *CharactersController) CharacterRoutes(g *echo.Group) {
	g.POST("", controller.CreateCharacter)
	g.GET("", controller.ListCharacters)
	g.DELETE("/:characterId", controller.DeleteCharacter)
}

func (controller *CharactersController) CreateCharacter(c echo.Context) error {
	var req CreateCharacterIn
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

	refKey := fmt.Sprintf("characters/%d/%s.png", user.ID, uuid.NewString())
	bucketName := services.GetEnv("R2_BUCKET_NAME", "")
	uploadURL, err := controller.AWSService.PresignLink(c.Request().Context(), bucketName, refKey)
	if err != nil {
		sentry.CaptureException(err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Failed to prepare reference image upload"})
	}

	character := models.Character{
		Name:         req.Name,
		Description:  req.Description,
		OwnerID:      user.ID,
		RefImageKey:  &refKey,
		TriggerWords: req.TriggerWords,
		NSFW:         req.NSFW,
	}
	if err := db.Create(&character).Error; err != nil {
		sentry.CaptureException(err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Failed to create character"})
	}

	return c.JSON(http.StatusCreated, CharacterCreatedResponse{
		Character: CharacterResponse{
			ID:           character.ID,
			Name:         character.Name,
			Description:  character.Description,
			TriggerWords: character.TriggerWords,
			NSFW:         character.NSFW,
			CreatedAt:    FormatTimestamp(character.CreatedAt),
		},
		UploadURL: uploadURL,
	})
}

func (controller *CharactersController) ListCharacters(c echo.Context) error {
	user, ok := c.Get("currentUser").(models.UserAccount)
	if !ok {
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
	}
	db, ok := c.Get("__db").(*gorm.DB)
	if !ok {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Database connection error"})
	}

	var characters []models.Character
	if err := db.Where("owner_id = ?", user.ID).Order("created_at DESC").Find(&characters).Error; err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Failed to fetch characters"})
	}

	var wg sync.WaitGroup
	responses := make([]CharacterResponse, len(characters))
	for i, item := range characters {
		wg.Add(1)
		go func(index int, character models.Character) {
			defer wg.Done()
			resp := CharacterResponse{
				ID:           character.ID,
				Name:         character.Name,
				Description:  character.Description,
				TriggerWords: character.TriggerWords,
				NSFW:         character.NSFW,
				CreatedAt:    FormatTimestamp(character.CreatedAt),
			}
			if character.RefImageKey != nil {
				url, err := controller.URLCache.GetReadURL(c.Request().Context(), *character.RefImageKey)
				if err != nil {
					fmt.Printf("Failed to presign character reference %s: %v\n", *character.RefImageKey, err)
				} else {
					resp.RefImageURL = &url
				}
			}
			responses[index] = resp
		}(i, item)
	}
	wg.Wait()

	return c.JSON(http.StatusOK, map[string]interface{}{"characters": responses})
}

func (controller *CharactersController) DeleteCharacter(c echo.Context) error {
	user, ok := c.Get("currentUser").(models.UserAccount)
	if !ok {
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
	}
	db, ok := c.Get("__db").(*gorm.DB)
	if !ok {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Database connection error"})
	}
	var characterId uint
	if err := echo.PathParamsBinder(c).Uint("characterId", &characterId).BindError(); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid character id"})
	}

	var character models.Character
	result := db.Where("id = ? AND owner_id = ?", characterId, user.ID).Take(&character)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "Character not found"})
	}
	if result.Error != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Failed to fetch character"})
	}

	// jobs keep their character reference for history; block deletion while
	// any job is still mid-pipeline
	var activeJobs int64
	db.Model(&models.GenerationJob{}).
		Where("character_id = ? AND status IN ?", character.ID, []models.JobStatus{models.JobQueued, models.JobProcessing}).
		Count(&activeJobs)
	if activeJobs > 0 {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Character has active generation jobs"})
	}

	if character.RefImageKey != nil {
		bucketName := services.GetEnv("R2_BUCKET_NAME", "")
		if err := controller.AWSService.DeleteObject(c.Request().Context(), bucketName, *character.RefImageKey); err != nil {
			fmt.Printf("Failed to delete character reference %s: %v\n", *character.RefImageKey, err)
			sentry.CaptureException(err)
		}
	}
	if err := db.Delete(&character).Error; err != nil {
		sentry.CaptureException(err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Failed to delete character"})
	}

	return c.JSON(http.StatusOK, map[string]string{"message": "Character deleted"})
}

package controllers

import (
	"net/http"
	"os"

	"natakapi/models"
	"natakapi/services"

	firebase "firebase.google.com/go/v4"
	"github.com/go-playground/validator"
	"github.com/hibiken/asynq"
	echojwt "github.com/labstack/echo-jwt"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"gorm.io/gorm"
)

type CustomValidator struct {
	validator *validator.Validate
}

func (cv *CustomValidator) Validate(i interface{}) error {
	if err := cv.validator.Struct(i); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return nil
}

func SetupServer(
	db *gorm.DB,
	falService services.FalServiceProvider,
	awsService services.AWSServiceProvider,
	firebaseApp *firebase.App,
	asynqClient *asynq.Client,
	asynqInspector *asynq.Inspector,
	urlCache services.URLCacheServiceProvider,
) *echo.Echo {

	e := echo.New()
	v := validator.New()
	v.RegisterValidation("platform", models.ValidatePlatform)
	v.RegisterValidation("aspect_ratio", models.ValidateAspectRatio)
	e.Validator = &CustomValidator{validator: v}
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			c.Set("__db", db)
			c.Set("__asynqclient", asynqClient)
			c.Set("__asynqinspector", asynqInspector)
			return next(c)
		}
	})

	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept},
	}))

	studioGroup := e.Group("/studio", echojwt.JWT([]byte(os.Getenv("JWT_SECRET"))))
	studioGroup.Use(UserMiddleware)

	jobsController := JobsController{Fal: falService, AWSService: awsService, FirebaseApp: firebaseApp, URLCache: urlCache}
	jobsGroup := studioGroup.Group("/jobs")
	jobsController.JobRoutes(jobsGroup)

	opsController := OpsController{FirebaseApp: firebaseApp}
	opsController.OpsRoutes(jobsGroup)

	creditsController := CreditsController{}
	creditsGroup := studioGroup.Group("/credits")
	creditsController.CreditRoutes(creditsGroup)

	charactersController := CharactersController{AWSService: awsService, URLCache: urlCache}
	charactersGroup := studioGroup.Group("/characters")
	charactersController.CharacterRoutes(charactersGroup)

	uploadsController := UploadsController{AWSService: awsService}
	extensionGroup := e.Group("/extension", echojwt.JWT([]byte(os.Getenv("JWT_SECRET"))))
	extensionGroup.Use(UserMiddleware)
	uploadsController.UploadRoutes(extensionGroup)

	webhooksController := WebhooksController{AWSService: awsService, FirebaseApp: firebaseApp}
	webhookGroup := e.Group("/webhooks")
	webhooksController.SetupRoutes(webhookGroup)

	return e
}

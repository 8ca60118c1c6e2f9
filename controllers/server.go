package controllers

import (
	"context"
	"log"
	"os"

	"atelierapi/services"

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
		return echo.NewHTTPError(400, err.Error())
	}
	return nil
}

func SetupServer(
	db *gorm.DB,
	awsService services.AWSServiceProvider,
	urlCache services.URLCacheServiceProvider,
	firebaseApp *firebase.App,
	asynqClient *asynq.Client,
	asynqInspector *asynq.Inspector,
) *echo.Echo {

	err := awsService.InitPresignClient(context.Background())
	if err != nil {
		log.Fatal("Failed to initialize AWS provider: S3")
	}

	e := echo.New()
	v := validator.New()
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

	apiGroup := e.Group("", echojwt.JWT([]byte(os.Getenv("JWT_SECRET"))), TenantMiddleware)

	identityController := IdentityController{AWSService: awsService, URLCache: urlCache, FirebaseApp: firebaseApp}
	identityGroup := apiGroup.Group("/identities")
	identityController.IdentityRoutes(identityGroup)

	garmentController := GarmentController{AWSService: awsService}
	garmentGroup := apiGroup.Group("/garments")
	garmentController.GarmentRoutes(garmentGroup)

	generationController := GenerationController{AWSService: awsService, URLCache: urlCache, FirebaseApp: firebaseApp}
	generationGroup := apiGroup.Group("/generations")
	generationController.GenerationRoutes(generationGroup)

	return e
}

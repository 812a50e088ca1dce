package controllers

import (
	"errors"
	"fmt"
	"log"
	"net/http"

	"natakapi/models"

	"github.com/golang-jwt/jwt/v4"
	"github.com/labstack/echo/v4"
	"gorm.io/gorm"
)

// UserMiddleware resolves the authenticated user from the JWT subject.
// Token issuance happens in the external auth service; every studio route
// runs behind this.
func UserMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		db := c.Get("__db").(*gorm.DB)
		userRaw := c.Get("user")
		if userRaw == nil {
			return echo.ErrUnauthorized
		}
		user := userRaw.(*jwt.Token)
		claims := user.Claims.(jwt.MapClaims)
		userId := claims["sub"]
		if userId == nil || userId == "" {
			log.Println("Error while getting the token information!")
			return echo.ErrUnauthorized
		}

		var currentUser models.UserAccount
		result := db.Where("ID = ?", userId).Take(&currentUser)
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return echo.ErrUnauthorized
		}
		if result.Error != nil {
			fmt.Println("Failed to fetch user info", result.Error)
			return echo.ErrInternalServerError
		}
		if currentUser.Banned {
			fmt.Println("Banned user accessing studio, user id", currentUser.ID)
			return c.JSON(http.StatusForbidden, map[string]string{"error": "Account is suspended"})
		}
		c.Set("currentUser", currentUser)
		return next(c)
	}
}

package controllers

import (
	"errors"
	"fmt"
	"log"
	"net/http"

	"atelierapi/models"

	"github.com/golang-jwt/jwt/v4"
	"github.com/labstack/echo/v4"
	"gorm.io/gorm"
)

// TenantMiddleware resolves the authenticated tenant from the JWT subject
// claim. Session issuance lives in the account service, here the token is
// only verified and mapped to a tenant row.
func TenantMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		db := c.Get("__db").(*gorm.DB)
		tenantRaw := c.Get("user")
		if tenantRaw == nil {
			return echo.ErrUnauthorized
		}
		token := tenantRaw.(*jwt.Token)
		claims := token.Claims.(jwt.MapClaims)
		tenantId := claims["sub"]
		if tenantId == nil || tenantId == "" {
			log.Println("Error while getting the token information!")
			return echo.ErrUnauthorized
		}

		var currentTenant models.Tenant
		result := db.Where("ID = ?", tenantId).Take(&currentTenant)
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return echo.ErrNotFound
		}
		if result.Error != nil {
			fmt.Println("Failed to fetch tenant info", result.Error)
			return echo.ErrInternalServerError
		}
		if currentTenant.Banned {
			return echo.NewHTTPError(http.StatusLocked)
		}
		if !currentTenant.Active {
			fmt.Println("Inactive tenant accessing data, tenant id", currentTenant.ID)
			return echo.NewHTTPError(http.StatusLocked)
		}
		c.Set("currentTenant", currentTenant)
		return next(c)
	}
}

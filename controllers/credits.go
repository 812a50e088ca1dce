package controllers

import (
	"net/http"

	"natakapi/models"

	"github.com/labstack/echo/v4"
	"gorm.io/gorm"
)

type LedgerEntryResponse struct {
	ID           uint   `json:"id"`
	Type         string `json:"type"`
	Amount       int64  `json:"amount"`
	Description  string `json:"description"`
	JobID        *uint  `json:"job_id,omitempty"`
	BalanceAfter int64  `json:"balance_after"`
	CreatedAt    string `json:"created_at"`
}

type LedgerHistoryResponse struct {
	Entries []LedgerEntryResponse `json:"entries"`
	HasMore bool                  `json:"has_more"`
}

type CreditsController struct {
}

func (controller *CreditsController) CreditRoutes(g *echo.Group) {
	g.GET("", controller.GetBalance)
	g.GET("/balance", controller.GetBalance)
	g.GET("/history", controller.GetHistory)
}

func (controller *CreditsController) GetBalance(c echo.Context) error {
	user, ok := c.Get("currentUser").(models.UserAccount)
	if !ok {
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
	}
	return c.JSON(http.StatusOK, map[string]int64{"balance": user.CreditBalance})
}

func (controller *CreditsController) GetHistory(c echo.Context) error {
	user, ok := c.Get("currentUser").(models.UserAccount)
	if !ok {
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
	}
	db, ok := c.Get("__db").(*gorm.DB)
	if !ok {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Database connection error"})
	}

	limit := 20
	offset := 0
	echo.QueryParamsBinder(c).Int("limit", &limit).Int("offset", &offset)
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}

	var entries []models.CreditLedgerEntry
	err := db.Where("user_account_id = ?", user.ID).
		Order("created_at DESC").Limit(limit + 1).Offset(offset).Find(&entries).Error
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Failed to fetch ledger history"})
	}
	hasMore := len(entries) > limit
	if hasMore {
		entries = entries[:limit]
	}

	responses := make([]LedgerEntryResponse, 0, len(entries))
	for _, entry := range entries {
		responses = append(responses, LedgerEntryResponse{
			ID:           entry.ID,
			Type:         string(entry.Type),
			Amount:       entry.Amount,
			Description:  entry.Description,
			JobID:        entry.JobID,
			BalanceAfter: entry.BalanceAfter,
			CreatedAt:    FormatTimestamp(entry.CreatedAt),
		})
	}

	return c.JSON(http.StatusOK, LedgerHistoryResponse{Entries: responses, HasMore: hasMore})
}

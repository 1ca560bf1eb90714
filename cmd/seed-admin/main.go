// seed-admin bootstraps a tenant for local development: it creates a
// business (with its default branch and batch types) and an admin user, or
// resets the admin password when the user already exists.
//
// Usage:
//   DB_USER=... DB_PASSWORD=... DB_HOST=... DB_PORT=... DB_NAME=... go run ./cmd/seed-admin
package main

import (
	"context"
	"fmt"
	"os"

	"bitbucket.org/mmdatafocus/steelbooks_backend/config"
	"bitbucket.org/mmdatafocus/steelbooks_backend/models"
	"bitbucket.org/mmdatafocus/steelbooks_backend/utils"
	"gorm.io/gorm"
)

const (
	adminUsername = "steelAdmin"
	adminPassword = "St33l@dmin"
	adminName     = "Steelbooks Admin"
	businessName  = "Steelbooks Dev"
)

func main() {
	ctx := context.Background()
	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized (config.GetDB returned nil). Set DB_* env vars.")
		os.Exit(1)
	}

	var biz models.Business
	err := db.WithContext(ctx).Model(&models.Business{}).Where("name = ?", businessName).First(&biz).Error
	if err == gorm.ErrRecordNotFound {
		created, createErr := models.CreateBusiness(ctx, &models.NewBusiness{Name: businessName})
		if createErr != nil {
			fmt.Fprintf(os.Stderr, "failed to create business: %v\n", createErr)
			os.Exit(1)
		}
		biz = *created
		fmt.Printf("Created business %q (id=%s)\n", businessName, biz.ID)
	} else if err != nil {
		fmt.Fprintf(os.Stderr, "failed to lookup business: %v\n", err)
		os.Exit(1)
	}

	ctx = utils.SetBusinessIdInContext(ctx, biz.ID)
	ctx = utils.SetUserIdInContext(ctx, 1)
	ctx = utils.SetUserNameInContext(ctx, "Seed")
	ctx = utils.SetUsernameInContext(ctx, adminUsername)
	ctx = utils.SetIsAdminInContext(ctx, true)
	ctx = utils.SetSkipTenantScopeInContext(ctx, true)

	hashed, err := utils.HashPassword(adminPassword)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to hash password: %v\n", err)
		os.Exit(1)
	}
	hashedStr := string(hashed)

	var existing models.User
	err = db.WithContext(ctx).Model(&models.User{}).Where("username = ?", adminUsername).First(&existing).Error
	if err != nil {
		if err != gorm.ErrRecordNotFound {
			fmt.Fprintf(os.Stderr, "failed to lookup user: %v\n", err)
			os.Exit(1)
		}
		u := models.User{
			Username:   adminUsername,
			Name:       adminName,
			Password:   hashedStr,
			IsActive:   utils.NewTrue(),
			Role:       models.UserRoleAdmin,
			BusinessId: biz.ID,
		}
		if err := db.WithContext(ctx).Create(&u).Error; err != nil {
			fmt.Fprintf(os.Stderr, "failed to create admin user: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Created admin user: username=%q\n", adminUsername)
		return
	}

	if err := db.WithContext(ctx).Model(&models.User{}).Where("username = ?", adminUsername).Updates(map[string]any{
		"password":    hashedStr,
		"name":        adminName,
		"is_active":   utils.NewTrue(),
		"business_id": biz.ID,
		"role":        models.UserRoleAdmin,
	}).Error; err != nil {
		fmt.Fprintf(os.Stderr, "failed to update admin user: %v\n", err)
		os.Exit(1)
	}
	_ = existing.RemoveInstanceRedis()
	fmt.Printf("Updated admin user: username=%q\n", adminUsername)
}

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"bitbucket.org/mmdatafocus/steelbooks_backend/config"
	"bitbucket.org/mmdatafocus/steelbooks_backend/middlewares"
	"bitbucket.org/mmdatafocus/steelbooks_backend/models"
	"bitbucket.org/mmdatafocus/steelbooks_backend/models/reports"
	"bitbucket.org/mmdatafocus/steelbooks_backend/utils"
	"bitbucket.org/mmdatafocus/steelbooks_backend/workflow"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const defaultPort = "8080"

var tracer = otel.Tracer("steelbooks-inventory")

// RateLimiter is a simple fixed-window limiter backed by Redis.
type RateLimiter struct {
	client *redis.Client
	limit  int64
	window time.Duration
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func respondError(c *gin.Context, err error) {
	var insufficient *models.InsufficientStockError
	var schemaViolation *models.SchemaViolationError

	switch {
	case errors.Is(err, models.ErrBatchNotFound), errors.Is(err, models.ErrRecipeNotFound),
		errors.Is(err, utils.ErrorRecordNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, models.ErrStaleQuantity):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, models.ErrBatchInUse), errors.Is(err, models.ErrInsufficientRemaining):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	case errors.As(err, &insufficient):
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":     err.Error(),
			"shortfall": insufficient.Shortfall,
		})
	case errors.As(err, &schemaViolation):
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":  err.Error(),
			"fields": schemaViolation.Fields,
		})
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	}
}

func requireBusiness(c *gin.Context) bool {
	businessId, ok := utils.GetBusinessIdFromContext(c.Request.Context())
	if !ok || businessId == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		c.Abort()
		return false
	}
	return true
}

func pathId(c *gin.Context) (int, bool) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return 0, false
	}
	return id, true
}

func loginHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var input struct {
			Username string `json:"username" binding:"required"`
			Password string `json:"password" binding:"required"`
		}
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		result, err := models.Login(c.Request.Context(), input.Username, input.Password)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, result)
	}
}

func planAllocationHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !requireBusiness(c) {
			return
		}
		var input struct {
			ProductId  int                     `json:"product_id" binding:"required"`
			BranchId   int                     `json:"branch_id" binding:"required"`
			Quantity   decimal.Decimal         `json:"quantity" binding:"required"`
			Selections []models.BatchSelection `json:"selections"`
		}
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		ctx, span := tracer.Start(c.Request.Context(), "PlanAllocation")
		defer span.End()

		plan, err := models.PlanAllocation(ctx, input.ProductId, input.BranchId, input.Quantity, input.Selections)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, plan)
	}
}

func commitAllocationHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !requireBusiness(c) {
			return
		}
		var input struct {
			Plan        *models.AllocationPlan `json:"plan" binding:"required"`
			SalesItemId int                    `json:"sales_item_id" binding:"required"`
		}
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		ctx, span := tracer.Start(c.Request.Context(), "CommitAllocation")
		defer span.End()

		assignments, err := models.CommitAllocationForSalesItem(ctx, input.Plan, input.SalesItemId)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, assignments)
	}
}

// outboxReplayHandler resets DEAD/FAILED outbox rows so the dispatcher picks
// them up again. Ops tooling, admin sessions only.
func outboxReplayHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		isAdmin, _ := utils.GetIsAdminFromContext(c.Request.Context())
		if !isAdmin {
			c.JSON(http.StatusForbidden, gin.H{"error": "admin only"})
			return
		}
		db := config.GetDB()
		result := db.WithContext(c.Request.Context()).Model(&models.PubSubMessageRecord{}).
			Where("publish_status IN ?", []string{models.OutboxPublishStatusDead, models.OutboxPublishStatusFailed}).
			Updates(map[string]interface{}{
				"publish_status":   models.OutboxPublishStatusPending,
				"next_attempt_at":  nil,
				"publish_attempts": 0,
				"locked_at":        nil,
				"locked_by":        nil,
			})
		if result.Error != nil {
			respondError(c, result.Error)
			return
		}
		c.JSON(http.StatusOK, gin.H{"replayed": result.RowsAffected})
	}
}

func registerRoutes(r *gin.Engine) {

	r.POST("/login", loginHandler())
	r.POST("/logout", func(c *gin.Context) {
		ok, err := models.Logout(c.Request.Context())
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": ok})
	})

	// tenant bootstrap (no session required; used by onboarding + seed tooling)
	r.POST("/businesses", func(c *gin.Context) {
		var input models.NewBusiness
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		business, err := models.CreateBusiness(c.Request.Context(), &input)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusCreated, business)
	})

	api := r.Group("/", func(c *gin.Context) {
		if !requireBusiness(c) {
			return
		}
		c.Next()
	})

	api.GET("/business", func(c *gin.Context) {
		business, err := models.GetBusiness(c.Request.Context())
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, business)
	})
	api.PUT("/business/settings", func(c *gin.Context) {
		var input models.NewBusiness
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		business, err := models.UpdateBusinessSettings(c.Request.Context(), &input)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, business)
	})

	registerCrud(api, "branches",
		func(c *gin.Context) (any, error) { return models.GetAllBranches(c.Request.Context()) },
		func(c *gin.Context, id int) (any, error) { return models.GetBranch(c.Request.Context(), id) },
		func(c *gin.Context) (any, error) {
			var input models.NewBranch
			if err := c.ShouldBindJSON(&input); err != nil {
				return nil, err
			}
			return models.CreateBranch(c.Request.Context(), &input)
		},
		func(c *gin.Context, id int) (any, error) {
			var input models.NewBranch
			if err := c.ShouldBindJSON(&input); err != nil {
				return nil, err
			}
			return models.UpdateBranch(c.Request.Context(), id, &input)
		},
		func(c *gin.Context, id int) (any, error) { return models.DeleteBranch(c.Request.Context(), id) },
	)

	registerCrud(api, "categories",
		func(c *gin.Context) (any, error) { return models.GetAllProductCategories(c.Request.Context()) },
		func(c *gin.Context, id int) (any, error) { return models.GetProductCategory(c.Request.Context(), id) },
		func(c *gin.Context) (any, error) {
			var input models.NewProductCategory
			if err := c.ShouldBindJSON(&input); err != nil {
				return nil, err
			}
			return models.CreateProductCategory(c.Request.Context(), &input)
		},
		func(c *gin.Context, id int) (any, error) {
			var input models.NewProductCategory
			if err := c.ShouldBindJSON(&input); err != nil {
				return nil, err
			}
			return models.UpdateProductCategory(c.Request.Context(), id, &input)
		},
		func(c *gin.Context, id int) (any, error) {
			return models.DeleteProductCategory(c.Request.Context(), id)
		},
	)

	registerCrud(api, "products",
		func(c *gin.Context) (any, error) { return models.GetAllProducts(c.Request.Context()) },
		func(c *gin.Context, id int) (any, error) { return models.GetProduct(c.Request.Context(), id) },
		func(c *gin.Context) (any, error) {
			var input models.NewProduct
			if err := c.ShouldBindJSON(&input); err != nil {
				return nil, err
			}
			return models.CreateProduct(c.Request.Context(), &input)
		},
		func(c *gin.Context, id int) (any, error) {
			var input models.NewProduct
			if err := c.ShouldBindJSON(&input); err != nil {
				return nil, err
			}
			return models.UpdateProduct(c.Request.Context(), id, &input)
		},
		func(c *gin.Context, id int) (any, error) { return models.DeleteProduct(c.Request.Context(), id) },
	)

	registerCrud(api, "batch-types",
		func(c *gin.Context) (any, error) { return models.GetAllBatchTypes(c.Request.Context()) },
		func(c *gin.Context, id int) (any, error) { return models.GetBatchType(c.Request.Context(), id) },
		func(c *gin.Context) (any, error) {
			var input models.NewBatchType
			if err := c.ShouldBindJSON(&input); err != nil {
				return nil, err
			}
			return models.CreateBatchType(c.Request.Context(), &input)
		},
		func(c *gin.Context, id int) (any, error) {
			var input models.NewBatchType
			if err := c.ShouldBindJSON(&input); err != nil {
				return nil, err
			}
			return models.UpdateBatchType(c.Request.Context(), id, &input)
		},
		func(c *gin.Context, id int) (any, error) { return models.DeleteBatchType(c.Request.Context(), id) },
	)

	registerCrud(api, "recipes",
		func(c *gin.Context) (any, error) { return models.GetAllRecipes(c.Request.Context()) },
		func(c *gin.Context, id int) (any, error) { return models.GetRecipe(c.Request.Context(), id) },
		func(c *gin.Context) (any, error) {
			var input models.NewRecipe
			if err := c.ShouldBindJSON(&input); err != nil {
				return nil, err
			}
			return models.CreateRecipe(c.Request.Context(), &input)
		},
		func(c *gin.Context, id int) (any, error) {
			var input models.NewRecipe
			if err := c.ShouldBindJSON(&input); err != nil {
				return nil, err
			}
			return models.UpdateRecipe(c.Request.Context(), id, &input)
		},
		func(c *gin.Context, id int) (any, error) { return models.DeleteRecipe(c.Request.Context(), id) },
	)

	registerToggle(api, "branches", func(c *gin.Context, id int, isActive bool) (any, error) {
		return models.ToggleActiveBranch(c.Request.Context(), id, isActive)
	})
	registerToggle(api, "categories", func(c *gin.Context, id int, isActive bool) (any, error) {
		return models.ToggleActiveProductCategory(c.Request.Context(), id, isActive)
	})
	registerToggle(api, "products", func(c *gin.Context, id int, isActive bool) (any, error) {
		return models.ToggleActiveProduct(c.Request.Context(), id, isActive)
	})

	api.GET("/recipes/resolve", func(c *gin.Context) {
		productId, _ := strconv.Atoi(c.Query("product_id"))
		qty, err := utils.ParseDecimal(c.Query("quantity"))
		if productId <= 0 || err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "product_id and quantity are required"})
			return
		}
		rawProductId, required, err := models.ResolveRequirement(c.Request.Context(), productId, qty)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"raw_product_id":    rawProductId,
			"required_quantity": required,
		})
	})

	// batch ledger
	api.POST("/batches", func(c *gin.Context) {
		var input models.NewInventoryBatch
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		batch, err := models.CreateInventoryBatch(c.Request.Context(), &input)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusCreated, batch)
	})
	api.GET("/batches", func(c *gin.Context) {
		productId, _ := strconv.Atoi(c.Query("product_id"))
		branchId, _ := strconv.Atoi(c.Query("branch_id"))
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
		var after *string
		if v := c.Query("after"); v != "" {
			after = &v
		}
		edges, pageInfo, err := models.PaginateInventoryBatches(c.Request.Context(), productId, branchId, limit, after)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"edges": edges, "pageInfo": pageInfo})
	})
	api.GET("/batches/available", func(c *gin.Context) {
		productId, _ := strconv.Atoi(c.Query("product_id"))
		branchId, _ := strconv.Atoi(c.Query("branch_id"))
		if productId <= 0 || branchId <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "product_id and branch_id are required"})
			return
		}
		batches, err := models.ListAvailableBatches(c.Request.Context(), productId, branchId)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, batches)
	})
	api.GET("/batches/:id", func(c *gin.Context) {
		id, ok := pathId(c)
		if !ok {
			return
		}
		batch, err := models.GetInventoryBatch(c.Request.Context(), id)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, batch)
	})
	api.PUT("/batches/:id", func(c *gin.Context) {
		id, ok := pathId(c)
		if !ok {
			return
		}
		var input models.NewInventoryBatch
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		batch, err := models.UpdateInventoryBatch(c.Request.Context(), id, &input)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, batch)
	})
	api.DELETE("/batches/:id", func(c *gin.Context) {
		id, ok := pathId(c)
		if !ok {
			return
		}
		batch, err := models.DeleteInventoryBatch(c.Request.Context(), id)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, batch)
	})
	api.POST("/batches/:id/transfer", func(c *gin.Context) {
		id, ok := pathId(c)
		if !ok {
			return
		}
		var input struct {
			ToBranchId int `json:"to_branch_id" binding:"required"`
		}
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		batch, err := models.TransferInventoryBatch(c.Request.Context(), id, input.ToBranchId)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, batch)
	})
	api.POST("/batches/:id/scrap", func(c *gin.Context) {
		id, ok := pathId(c)
		if !ok {
			return
		}
		batch, err := models.ScrapInventoryBatch(c.Request.Context(), id)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, batch)
	})

	// allocation engine
	api.POST("/allocations/plan", planAllocationHandler())
	api.POST("/allocations/commit", commitAllocationHandler())

	// assignments
	api.GET("/sales-items/:id/assignments", func(c *gin.Context) {
		id, ok := pathId(c)
		if !ok {
			return
		}
		assignments, err := models.GetItemAssignmentsBySalesItem(c.Request.Context(), id)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, assignments)
	})
	api.POST("/assignments/:id/reverse", func(c *gin.Context) {
		id, ok := pathId(c)
		if !ok {
			return
		}
		assignment, err := models.ReverseItemAssignment(c.Request.Context(), id)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, assignment)
	})

	// users
	api.GET("/users", func(c *gin.Context) {
		users, err := models.GetAllUsers(c.Request.Context())
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, users)
	})
	api.POST("/users", func(c *gin.Context) {
		var input models.NewUser
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		user, err := models.CreateUser(c.Request.Context(), &input)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusCreated, user)
	})
	api.POST("/password", func(c *gin.Context) {
		var input struct {
			OldPassword string `json:"old_password" binding:"required"`
			NewPassword string `json:"new_password" binding:"required"`
		}
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		user, err := models.ChangePassword(c.Request.Context(), input.OldPassword, input.NewPassword)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, user)
	})

	// reports
	api.GET("/reports/batch-stock", func(c *gin.Context) {
		branchId, productId := reportFilters(c)
		records, err := reports.GetBatchStockReport(c.Request.Context(), branchId, productId)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, records)
	})
	api.GET("/reports/batch-stock/export", func(c *gin.Context) {
		branchId, productId := reportFilters(c)
		if err := reports.ExportBatchStockExcel(c.Request.Context(), c.Writer, branchId, productId); err != nil {
			respondError(c, err)
		}
	})

	// Ops tooling (admin only): replay outbox messages that were marked DEAD/FAILED.
	api.POST("/internal/ops/outbox/replay", outboxReplayHandler())
}

func reportFilters(c *gin.Context) (*int, *int) {
	var branchId, productId *int
	if v, err := strconv.Atoi(c.Query("branch_id")); err == nil && v > 0 {
		branchId = &v
	}
	if v, err := strconv.Atoi(c.Query("product_id")); err == nil && v > 0 {
		productId = &v
	}
	return branchId, productId
}

func registerToggle(api *gin.RouterGroup, path string, toggle func(*gin.Context, int, bool) (any, error)) {
	api.POST("/"+path+"/:id/toggle", func(c *gin.Context) {
		id, ok := pathId(c)
		if !ok {
			return
		}
		var input struct {
			IsActive *bool `json:"is_active" binding:"required"`
		}
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		result, err := toggle(c, id, *input.IsActive)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, result)
	})
}

func registerCrud(api *gin.RouterGroup, path string,
	list func(*gin.Context) (any, error),
	get func(*gin.Context, int) (any, error),
	create func(*gin.Context) (any, error),
	update func(*gin.Context, int) (any, error),
	remove func(*gin.Context, int) (any, error),
) {
	api.GET("/"+path, func(c *gin.Context) {
		result, err := list(c)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, result)
	})
	api.GET("/"+path+"/:id", func(c *gin.Context) {
		id, ok := pathId(c)
		if !ok {
			return
		}
		result, err := get(c, id)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, result)
	})
	api.POST("/"+path, func(c *gin.Context) {
		result, err := create(c)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusCreated, result)
	})
	api.PUT("/"+path+"/:id", func(c *gin.Context) {
		id, ok := pathId(c)
		if !ok {
			return
		}
		result, err := update(c, id)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, result)
	})
	api.DELETE("/"+path+"/:id", func(c *gin.Context) {
		id, ok := pathId(c)
		if !ok {
			return
		}
		result, err := remove(c, id)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, result)
	})
}

func main() {
	port := os.Getenv("API_PORT")
	if port == "" {
		// Cloud Run standard env var.
		port = os.Getenv("PORT")
	}
	if port == "" {
		port = defaultPort
	}

	logger := config.GetLogger()

	// Shutdown coordination.
	// Cloud Run sends SIGTERM on revision shutdown; handle it for graceful drain.
	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	// Start the HTTP server ASAP so Cloud Run considers the revision healthy.
	// Until DB/Redis are ready, we return 503 for app endpoints.
	r := gin.New()
	// Correlation IDs: generate once per request and attach to context.
	r.Use(func(c *gin.Context) {
		cid := c.GetHeader("x-correlation-id")
		if cid == "" {
			cid = uuid.NewString()
		}
		c.Request = c.Request.WithContext(utils.SetCorrelationIdInContext(c.Request.Context(), cid))
		c.Next()
	})
	r.Use(func(c *gin.Context) {
		// Always allow Cloud Run startup probe.
		if c.Request.URL.Path == "/healthz" {
			c.Status(http.StatusNoContent)
			c.Abort()
			return
		}
		// Gate critical endpoints on dependency readiness.
		if config.GetDB() == nil || config.GetRedisDB() == nil {
			c.AbortWithStatus(http.StatusServiceUnavailable)
			return
		}
		c.Next()
	})

	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	corsConfig := cors.DefaultConfig()
	// Production-safe CORS:
	// - In production, require explicit allowlist via CORS_ALLOWED_ORIGINS (comma-separated).
	// - In non-production, allow all (developer convenience).
	allowedOrigins := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS"))
	if strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production") {
		if allowedOrigins == "" {
			// Safer default: deny all if not configured in production.
			corsConfig.AllowOrigins = []string{}
		} else {
			corsConfig.AllowOrigins = splitAndTrim(allowedOrigins)
		}
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AddAllowMethods("GET", "POST", "PUT", "DELETE", "OPTIONS")
	corsConfig.AddAllowHeaders("token", "branch-id", "Origin", "Content-Type", "Authorization")
	corsConfig.AddExposeHeaders("Content-Length")
	corsConfig.AllowCredentials = true
	r.Use(cors.New(corsConfig))

	// Optional rate limiting (recommended for production).
	// Env:
	// - RATE_LIMIT_ENABLED=true
	// - RATE_LIMIT_WINDOW_SECONDS=60
	// - RATE_LIMIT_MAX_REQUESTS=600
	if strings.EqualFold(strings.TrimSpace(os.Getenv("RATE_LIMIT_ENABLED")), "true") {
		client := redis.NewClient(&redis.Options{Addr: os.Getenv("REDIS_ADDRESS")})
		limit := int64(600)
		if v := strings.TrimSpace(os.Getenv("RATE_LIMIT_MAX_REQUESTS")); v != "" {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
				limit = n
			}
		}
		windowSec := int64(60)
		if v := strings.TrimSpace(os.Getenv("RATE_LIMIT_WINDOW_SECONDS")); v != "" {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
				windowSec = n
			}
		}
		rateLimiter := NewRateLimiter(client, limit, time.Duration(windowSec)*time.Second)
		r.Use(rateLimiter.RateLimitMiddleware)
	}

	r.Use(middlewares.SessionMiddleware())
	r.Use(middlewares.AuthMiddleware())
	r.Use(customErrorLogger(logger))
	r.Use(gin.Recovery())
	registerRoutes(r)

	// Start listening immediately (Cloud Run startup probe is TCP based).
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: r,
	}
	serverErrCh := make(chan error, 1)
	go func() {
		// ListenAndServe returns http.ErrServerClosed on graceful shutdown.
		serverErrCh <- srv.ListenAndServe()
	}()

	// Connect dependencies after the port is open.
	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()

	// Now DB is ready; run migrations.
	db := config.GetDB()
	sqlDB, _ := db.DB()
	defer func() {
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
	}()
	// IMPORTANT: AutoMigrate can run DDL that blocks tables and causes 504/502 timeouts.
	// Allow disabling migrations on startup (run them as a separate job instead).
	if !strings.EqualFold(strings.TrimSpace(os.Getenv("SKIP_MIGRATIONS")), "true") {
		models.MigrateTable()
	} else {
		logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
	}

	// Start outbox dispatcher (publishes AFTER commit).
	dispatcherCtx, cancelDispatcher := context.WithCancel(context.Background())
	defer cancelDispatcher()
	go workflow.NewOutboxDispatcher(db, logger).Run(dispatcherCtx)

	// Version re-checks at commit make READ COMMITTED sufficient for the
	// allocation engine; set it explicitly so the isolation level is not
	// left to server defaults.
	for attempt := 1; ; attempt++ {
		err := db.Exec("SET SESSION TRANSACTION ISOLATION LEVEL READ COMMITTED").Error
		if err == nil {
			break
		}
		sleep := time.Second * time.Duration(1<<min(attempt, 5))
		if sleep > 30*time.Second {
			sleep = 30 * time.Second
		}
		logger.WithFields(logrus.Fields{
			"field":   "database",
			"attempt": attempt,
		}).Warn("failed to set isolation level; retrying in " + sleep.String() + ": " + err.Error())
		time.Sleep(sleep)
	}

	logger.WithFields(logrus.Fields{
		"info": "Connection Established",
	}).Info("listening on http://localhost:", port, "/")

	// Block until shutdown or server error.
	select {
	case <-sigCtx.Done():
		// graceful shutdown below
	case err := <-serverErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithFields(logrus.Fields{"field": "http"}).Error("server stopped unexpectedly: " + err.Error())
		}
	}

	// Stop background workers first so they don't start new work while we're draining.
	cancelDispatcher()

	// Drain HTTP requests.
	shutdownTimeout := 30 * time.Second
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithFields(logrus.Fields{"field": "http"}).Error("graceful shutdown failed: " + err.Error())
	}

	// Close Redis (best-effort).
	if rdb := config.GetRedisDB(); rdb != nil {
		_ = rdb.Close()
	}
}

// customErrorLogger is a custom Gin middleware that logs only errors
func customErrorLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		// Only log when there are errors
		if len(c.Errors) > 0 {
			fields := logrus.Fields{"path": c.Request.URL.Path}
			if sc := trace.SpanContextFromContext(c.Request.Context()); sc.IsValid() {
				fields["trace_id"] = sc.TraceID().String()
			}
			logger.WithFields(fields).Error(c.Errors.String())
		}
	}
}

// Initialize a new RateLimiter instance.
func NewRateLimiter(client *redis.Client, limit int64, window time.Duration) *RateLimiter {
	return &RateLimiter{
		client: client,
		limit:  limit,
		window: window,
	}
}

// Middleware function to check rate limits.
func (rl *RateLimiter) RateLimitMiddleware(c *gin.Context) {
	key := c.ClientIP()

	exists, err := rl.client.Exists(c.Request.Context(), key).Result()
	if err != nil {
		c.AbortWithError(http.StatusInternalServerError, err)
		return
	}

	// If the key doesn't exist, create it and set expiry.
	if exists == 0 {
		err := rl.client.Set(c.Request.Context(), key, 1, rl.window).Err()
		if err != nil {
			c.AbortWithError(http.StatusInternalServerError, err)
			return
		}
		c.Next()
		return
	}

	count, err := rl.client.Incr(c.Request.Context(), key).Result()
	if err != nil {
		c.AbortWithError(http.StatusInternalServerError, err)
		return
	}

	if count > rl.limit {
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error": fmt.Sprintf("Rate limit exceeded. Try again in %d seconds", int(rl.window.Seconds())),
		})
		return
	}

	c.Next()
}

func splitAndTrim(csv string) []string {
	if strings.TrimSpace(csv) == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

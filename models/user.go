package models

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"bitbucket.org/mmdatafocus/steelbooks_backend/config"
	"bitbucket.org/mmdatafocus/steelbooks_backend/utils"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

type User struct {
	ID         int       `gorm:"primary_key" json:"id"`
	BusinessId string    `gorm:"index" json:"business_id"`
	Username   string    `gorm:"size:100;not null;unique" json:"username" binding:"required"`
	Name       string    `gorm:"size:100;not null" json:"name" binding:"required"`
	Email      *string   `gorm:"size:100;unique" json:"email"`
	Phone      string    `gorm:"size:20" json:"phone"`
	Password   string    `gorm:"size:255;not null" json:"password"`
	IsActive   *bool     `gorm:"not null" json:"is_active"`
	Role       UserRole  `gorm:"type:enum('A','O','C');default:C" json:"role"`
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewUser struct {
	Username string   `json:"username" binding:"required"`
	Name     string   `json:"name" binding:"required"`
	Email    string   `json:"email"`
	Phone    string   `json:"phone"`
	Password string   `json:"password" binding:"required"`
	IsActive *bool    `json:"is_active" binding:"required"`
	Role     UserRole `json:"role" binding:"required"`
}

/*
caches:
	User:$username
	Token:$token
	Tokens:$username
*/

func (user User) RemoveInstanceRedis() error {
	return config.RemoveRedisKey("User:" + user.Username)
}

func (user User) RemoveAllRedis() error {
	return nil
}

type LoginInfo struct {
	Token        string `json:"token"`
	Name         string `json:"name"`
	Role         string `json:"role"`
	BusinessId   string `json:"business_id"`
	BusinessName string `json:"business_name"`
	Timezone     string `json:"timezone"`
}

func (result *User) PrepareGive() {
	result.Password = ""
}

func Login(ctx context.Context, username string, password string) (*LoginInfo, error) {

	db := config.GetDB()
	var result LoginInfo

	user := User{}
	exists, err := config.GetRedisObject("User:"+username, &user)
	if err != nil {
		return &result, err
	}
	if !exists {
		err = db.WithContext(ctx).Model(&User{}).Where("username = ?", username).Take(&user).Error
		if err != nil {
			return &result, errors.New("invalid username or password")
		}
	}

	err = utils.ComparePassword(user.Password, password)
	if err != nil && err == bcrypt.ErrMismatchedHashAndPassword {
		return &result, errors.New("invalid username or password")
	}

	if !utils.DereferencePtr(user.IsActive) {
		return &result, errors.New("user is disabled")
	}

	token := uuid.New()
	result.Token = token.String()
	result.Name = user.Username
	result.Role = string(user.Role)
	result.BusinessId = user.BusinessId

	if user.BusinessId != "" {
		business, err := GetBusinessById(ctx, user.BusinessId)
		if err != nil {
			return nil, err
		}
		result.BusinessName = business.Name
		result.Timezone = business.Timezone
	}

	token_lifespan, err := strconv.Atoi(os.Getenv("TOKEN_HOUR_LIFESPAN"))
	if err != nil {
		token_lifespan = 24
	}

	// add new token to the user's tokens set
	if err := config.AddRedisSet("Tokens:"+user.Username, token.String()); err != nil {
		return nil, err
	}
	if err := config.SetRedisValue("Token:"+token.String(), user.Username, time.Duration(token_lifespan)*time.Hour); err != nil {
		return &result, err
	}

	return &result, nil
}

// destroy current session
func Logout(ctx context.Context) (bool, error) {
	token, ok := utils.GetTokenFromContext(ctx)
	if !ok || token == "" {
		return false, errors.New("token is required")
	}
	err := config.RemoveRedisKey("Token:" + fmt.Sprint(token))
	if err != nil {
		return false, nil
	}
	// remove current token from tokens list
	username, ok := utils.GetUsernameFromContext(ctx)
	if !ok || username == "" {
		return false, errors.New("user not found")
	}
	if err := config.RemoveRedisSetMember("Tokens:"+username, token); err != nil {
		return false, err
	}
	return true, nil
}

func (user *User) DestroyAllSessions(ctx context.Context) error {
	tokens, err := config.GetRedisSetMembers("Tokens:" + user.Username)
	if err != nil {
		return err
	}
	for _, token := range tokens {
		if err := config.RemoveRedisKey("Token:" + token); err != nil {
			return err
		}
	}
	return config.RemoveRedisKey("Tokens:" + user.Username)
}

func GetAllUsers(ctx context.Context) ([]*User, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	db := config.GetDB()
	var results []*User
	if err := db.WithContext(ctx).Where("business_id = ?", businessId).Find(&results).Error; err != nil {
		return results, errors.New("no user")
	}

	for i, u := range results {
		u.PrepareGive()
		results[i] = u
	}
	return results, nil
}

func CreateUser(ctx context.Context, input *NewUser) (*User, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	if input.Email != "" && !utils.IsValidEmail(input.Email) {
		return nil, errors.New("invalid email")
	}

	var count int64
	db := config.GetDB()
	if err := db.WithContext(ctx).Model(&User{}).Where("username = ?", input.Username).Count(&count).Error; err != nil {
		return nil, err
	}
	if count > 0 {
		return nil, errors.New("username already taken")
	}

	hashed, err := utils.HashPassword(input.Password)
	if err != nil {
		return nil, err
	}

	user := User{
		BusinessId: businessId,
		Username:   input.Username,
		Name:       input.Name,
		Email:      utils.NilIfEmpty(input.Email),
		Phone:      input.Phone,
		Password:   string(hashed),
		IsActive:   input.IsActive,
		Role:       input.Role,
	}

	// db action
	if err := db.WithContext(ctx).Create(&user).Error; err != nil {
		return nil, err
	}

	user.PrepareGive()
	return &user, nil
}

func GetUser(ctx context.Context, id int) (*User, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	user, err := utils.FetchModel[User](ctx, businessId, id)
	if err != nil {
		return nil, err
	}
	user.PrepareGive()
	return user, nil
}

// GetUserByUsername powers the session middleware's identity lookup.
func GetUserByUsername(ctx context.Context, username string) (*User, error) {

	db := config.GetDB()
	var user User
	if err := db.WithContext(ctx).Model(&User{}).Where("username = ?", username).Take(&user).Error; err != nil {
		return nil, utils.ErrorRecordNotFound
	}
	return &user, nil
}

func ChangePassword(ctx context.Context, oldPassword string, newPassword string) (*User, error) {

	username, ok := utils.GetUsernameFromContext(ctx)
	if !ok || username == "" {
		return nil, errors.New("user not found")
	}

	user, err := GetUserByUsername(ctx, username)
	if err != nil {
		return nil, err
	}

	if err := utils.ComparePassword(user.Password, oldPassword); err != nil {
		return nil, errors.New("old password is incorrect")
	}

	hashed, err := utils.HashPassword(newPassword)
	if err != nil {
		return nil, err
	}

	db := config.GetDB()
	// db action
	if err := db.WithContext(ctx).Model(&User{}).Where("id = ?", user.ID).
		UpdateColumn("password", hashed).Error; err != nil {
		return nil, err
	}

	// stale sessions die with the old password
	if err := user.DestroyAllSessions(ctx); err != nil {
		return nil, err
	}
	if err := user.RemoveInstanceRedis(); err != nil {
		return nil, err
	}

	user.PrepareGive()
	return user, nil
}

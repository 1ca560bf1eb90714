package models

import (
	"bitbucket.org/mmdatafocus/steelbooks_backend/utils"
)

type RedisCleaner interface {
	RemoveInstanceRedis() error // remove one
	RemoveAllRedis() error      // remove list if exists
}

// remove both item & list
func RemoveRedisBoth[T RedisCleaner](obj T) error {
	if err := obj.RemoveInstanceRedis(); err != nil {
		return err
	}
	if err := obj.RemoveAllRedis(); err != nil {
		return err
	}
	return nil
}

func (obj Branch) RemoveInstanceRedis() error {
	return utils.RemoveRedisItem[Branch](obj.ID)
}

func (obj Branch) RemoveAllRedis() error {
	return utils.RemoveRedisList[AllBranch](obj.BusinessId)
}

func (obj ProductCategory) RemoveInstanceRedis() error {
	return utils.RemoveRedisItem[ProductCategory](obj.ID)
}

func (obj ProductCategory) RemoveAllRedis() error {
	return utils.RemoveRedisList[AllProductCategory](obj.BusinessId)
}

func (obj Product) RemoveInstanceRedis() error {
	return utils.RemoveRedisItem[Product](obj.ID)
}

func (obj Product) RemoveAllRedis() error {
	return utils.RemoveRedisList[AllProduct](obj.BusinessId)
}

func (obj BatchType) RemoveInstanceRedis() error {
	return utils.RemoveRedisItem[BatchType](obj.ID)
}

func (obj BatchType) RemoveAllRedis() error {
	return utils.RemoveRedisList[AllBatchType](obj.BusinessId)
}

func (obj Recipe) RemoveInstanceRedis() error {
	return utils.RemoveRedisItem[Recipe](obj.ID)
}

func (obj Recipe) RemoveAllRedis() error {
	return utils.RemoveRedisList[AllRecipe](obj.BusinessId)
}

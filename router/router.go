package router

import (
	"sync"

	"github.com/gin-gonic/gin"
)

var once sync.Once
var instance *gin.Engine

// 进程内唯一的 gin engine，基础中间件和业务路由在 init 时挂载完毕
func init() {
	once.Do(func() {
		instance = gin.New()
		addBasicRouter(instance)
		addApiRouter(instance)
	})
}

func GetInstance() *gin.Engine {
	return instance
}

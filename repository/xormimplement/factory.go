package xormimplement

import (
	"context"
	"fmt"
	"sync"

	"form_mapper/config"
	"form_mapper/repository"
	"form_mapper/repository/factory"
	"form_mapper/repository/interfaces"

	"github.com/sirupsen/logrus"
	"xorm.io/xorm"

	_ "github.com/lib/pq"
)

var once sync.Once
var instance *Factory

type Factory struct {
	// 连接 pg
	engine *xorm.Engine
}

// 获取一个factory实例
func GetRepositoryFactoryInstance() factory.Factory {
	once.Do(func() {
		instance = &Factory{
			engine: openDB(
				config.GetInstance().GetString(config.BaseDbXormType),
				config.GetInstance().GetString(config.BaseDbXormHost),
				config.GetInstance().GetString(config.BaseDbXormPort),
				config.GetInstance().GetString(config.BaseDbXormUsername),
				config.GetInstance().GetString(config.BaseDbXormName),
				config.GetInstance().GetString(config.BaseDbXormPassword),
				config.GetInstance().GetBool(config.BaseDbXormShowsql),
			),
		}
	})
	return instance
}

// 设置xorm的连接参数
func openDB(dbType string, host string, port string, userName string, name string, password string, showSql bool) *xorm.Engine {
	//拼接数据库参数
	dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=disable TimeZone=Asia/Shanghai",
		host,
		userName,
		password,
		name,
		port)
	//设置连接参数
	engine, err := xorm.NewEngine(dbType, dsn)
	if err != nil {
		logrus.Errorf("Database connection failed err: %v. Database name: %s", err, name)
		panic(err)
	}
	//是否展示sql文件
	engine.ShowSQL(showSql)
	return engine
}

// 创建一个会话
func (f *Factory) NewSession(ctx context.Context) interfaces.Session {
	return &Session{Session: f.engine.NewSession().Context(ctx)}
}

// NewSessionRepository 创建会话仓库
func (f *Factory) NewSessionRepository(session interfaces.Session) (repository.SessionRepository, error) {
	if s, ok := session.(*Session); ok {
		return NewSessionRepository(s), nil
	}
	return nil, fmt.Errorf("xorm session 结构解析失败")
}

// NewPathResultRepository 创建路径结果仓库
func (f *Factory) NewPathResultRepository(session interfaces.Session) (repository.PathResultRepository, error) {
	if s, ok := session.(*Session); ok {
		return NewPathResultRepository(s), nil
	}
	return nil, fmt.Errorf("xorm session 结构解析失败")
}

// NewTaskRepository 创建任务仓库
func (f *Factory) NewTaskRepository(session interfaces.Session) (repository.TaskRepository, error) {
	if s, ok := session.(*Session); ok {
		return NewTaskRepository(s), nil
	}
	return nil, fmt.Errorf("xorm session 结构解析失败")
}

// NewAgentRepository 创建 agent 仓库
func (f *Factory) NewAgentRepository(session interfaces.Session) (repository.AgentRepository, error) {
	if s, ok := session.(*Session); ok {
		return NewAgentRepository(s), nil
	}
	return nil, fmt.Errorf("xorm session 结构解析失败")
}

// NewEventLogRepository 创建事件日志仓库
func (f *Factory) NewEventLogRepository(session interfaces.Session) (repository.EventLogRepository, error) {
	if s, ok := session.(*Session); ok {
		return NewEventLogRepository(s), nil
	}
	return nil, fmt.Errorf("xorm session 结构解析失败")
}

package xormimplement

import (
	"github.com/pkg/errors"
	"xorm.io/xorm"
)

// Session interfaces.Session 的 xorm 实现，各仓库共用同一个会话执行读写
type Session struct {
	*xorm.Session
}

// Begin 开启事务，供会话级联删除等多表写入使用
func (s *Session) Begin() error {
	if err := s.Session.Begin(); err != nil {
		return errors.WithStack(err)
	}
	return nil
}

// Close 关闭会话
func (s *Session) Close() error {
	if err := s.Session.Close(); err != nil {
		return errors.WithStack(err)
	}
	return nil
}

// Commit 提交事务
func (s *Session) Commit() error {
	if err := s.Session.Commit(); err != nil {
		return errors.WithStack(err)
	}
	return nil
}

// Rollback 回滚事务
func (s *Session) Rollback() error {
	if err := s.Session.Rollback(); err != nil {
		return errors.WithStack(err)
	}
	return nil
}

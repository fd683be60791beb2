package interfaces

// Session 数据库连接会话接口。
// 单条读写直接用会话执行；级联删除等多表写入先 Begin 再按结果 Commit/Rollback。
type Session interface {
	Begin() error
	Close() error
	Commit() error
	Rollback() error
}

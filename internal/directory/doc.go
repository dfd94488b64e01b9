// Package directory 维护智能体名册与信任图。名册在进程启动时
// 从 YAML 文件一次性加载，运行期间只读，因此所有查询都可以在
// 无锁状态下并发执行。信任是有向边：A 信任 B 不意味着 B 信任 A。
package directory

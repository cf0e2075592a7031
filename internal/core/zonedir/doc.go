// Package zonedir 提供静态网格区域目录
//
// 世界平面按 CellSize 划分为 Columns × Rows 个正方形区域，
// 区域编号按行优先：zone = row*Columns + col，原点在 (0, 0)。
//
// Grid 同时实现 interfaces.ZoneDirectory（区域到服务器的解析）
// 与 interfaces.ZoneGeometry（区域几何计算），服务器启动时通过
// Register 登记自己持有的区域。
package zonedir

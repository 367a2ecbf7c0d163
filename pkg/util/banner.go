package util

import (
	"io"

	"github.com/common-nighthawk/go-figure"
	"github.com/fatih/color"
)

// 颜色名到 fatih/color 属性
var bannerColors = map[string]color.Attribute{
	"red":    color.FgRed,
	"green":  color.FgGreen,
	"yellow": color.FgYellow,
	"blue":   color.FgBlue,
	"cyan":   color.FgCyan,
}

// PrintBanner 打印整体统一颜色的 ASCII banner，未知颜色按默认输出
func PrintBanner(w io.Writer, text, colorName string) {
	fig := figure.NewFigure(text, "", true)
	c := color.New(color.Bold)
	if attr, ok := bannerColors[colorName]; ok {
		c.Add(attr)
	}
	for _, line := range fig.Slicify() {
		_, _ = c.Fprintln(w, line)
	}
}

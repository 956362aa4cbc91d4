package hotkey

import "golang.design/x/hotkey"

const altModifier = hotkey.ModOption

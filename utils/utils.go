package utils

import (
	"fmt"
	"math/rand"
	"os"
	"time"
)

func Must(err error) {
	if err != nil {
		panic(fmt.Sprintf("process %d - %v", os.Getpid(), err))
	}
}

func RandomId() string {
	rand.Seed(time.Now().UnixNano())

	length := 10
	var letters = []rune("0123456789abcdefghijklmnopqrstuvwxyz")

	runes := make([]rune, length)
	for i := range runes {
		runes[i] = letters[rand.Intn(len(letters))]
	}
	return string(runes)
}
